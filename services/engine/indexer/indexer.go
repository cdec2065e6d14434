// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package indexer drains the index queue and enriches thought and
// conversation documents into the vector index. It holds no durable state:
// correctness comes from idempotent upserts keyed by document id, so
// re-processing a redelivered job produces an equivalent document.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/envelope"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

var tracer = otel.Tracer("recollect.indexer")

const (
	embedCharLimit = 8192

	relatedFetch = 6
	relatedKeep  = 5

	conversationSummaryHead = 6
)

// Config tunes the worker loop.
type Config struct {
	// Concurrency bounds in-flight jobs per worker.
	Concurrency int

	// BatchSize is the max messages pulled per receive.
	BatchSize int

	// PollInterval is the sleep between empty receives.
	PollInterval time.Duration

	// LLMRate throttles model and embedding calls per second.
	LLMRate rate.Limit
	// LLMBurst is the limiter burst size.
	LLMBurst int
}

// DefaultConfig returns the production worker tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:  10,
		BatchSize:    10,
		PollInterval: 2 * time.Second,
		LLMRate:      rate.Limit(5),
		LLMBurst:     10,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LLMRate <= 0 {
		c.LLMRate = d.LLMRate
	}
	if c.LLMBurst <= 0 {
		c.LLMBurst = d.LLMBurst
	}
}

// Indexer is the queue worker.
type Indexer struct {
	cfg      Config
	queue    queue.IndexQueue
	blob     blob.Store
	store    store.RecordStore
	index    vectorindex.Index
	client   llm.Client
	embedder llm.Embedder
	envelope *envelope.Envelope
	limiter  *rate.Limiter
	now      func() time.Time
}

// New creates an indexer worker.
func New(cfg Config, q queue.IndexQueue, bs blob.Store, rs store.RecordStore,
	idx vectorindex.Index, client llm.Client, embedder llm.Embedder, env *envelope.Envelope) *Indexer {
	cfg.ensureDefaults()
	return &Indexer{
		cfg:      cfg,
		queue:    q,
		blob:     bs,
		store:    rs,
		index:    idx,
		client:   client,
		embedder: embedder,
		envelope: env,
		limiter:  rate.NewLimiter(cfg.LLMRate, cfg.LLMBurst),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (ix *Indexer) SetClock(now func() time.Time) { ix.now = now }

// Run polls the queue until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	slog.Info("indexer started",
		"concurrency", ix.cfg.Concurrency,
		"batch_size", ix.cfg.BatchSize,
	)
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("indexer stopping")
			return err
		}
		n, err := ix.RunOnce(ctx)
		if err != nil {
			slog.Error("queue receive failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ix.cfg.PollInterval):
			}
		}
	}
}

// RunOnce pulls one batch and processes it, reporting per-message outcomes
// individually so the queue redelivers only the failures. Returns the number
// of messages received.
func (ix *Indexer) RunOnce(ctx context.Context) (int, error) {
	msgs, err := ix.queue.Receive(ctx, ix.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	type outcome struct {
		id  string
		err error
	}
	results := make([]outcome, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			results[i] = outcome{id: msg.ID, err: ix.process(gctx, msg.Job)}
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.id)
			continue
		}
		if err := ix.queue.Delete(ctx, r.id); err != nil {
			slog.Warn("failed to ack processed message", "message_id", r.id, "error", err)
		}
	}
	if len(failed) > 0 {
		if err := ix.queue.ReportFailed(ctx, failed); err != nil {
			slog.Error("failed to report failed messages", "count", len(failed), "error", err)
		}
	}
	return len(msgs), nil
}

func (ix *Indexer) process(ctx context.Context, job datatypes.IndexJob) error {
	ctx, span := tracer.Start(ctx, "Indexer.process")
	defer span.End()
	span.SetAttributes(attribute.Bool("job.conversation", job.IsConversation()))

	var err error
	if job.IsConversation() {
		err = ix.processConversation(ctx, job)
	} else {
		err = ix.processThought(ctx, job)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		slog.Error("index job failed",
			"thought_id", job.ThoughtID,
			"conversation_id", job.ConversationID,
			"user", job.User,
			"error", err,
		)
	}
	return err
}

func (ix *Indexer) embed(ctx context.Context, text string) ([]float32, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if len(text) > embedCharLimit {
		text = text[:embedCharLimit]
	}
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return vecs[0], nil
}

// processThought runs the per-thought enrichment pipeline.
func (ix *Indexer) processThought(ctx context.Context, job datatypes.IndexJob) error {
	raw, err := ix.loadRawThought(ctx, job)
	if err != nil {
		return err
	}

	vector, err := ix.embed(ctx, raw.SanitizedText)
	if err != nil {
		return err
	}

	if err := ix.limiter.Wait(ctx); err != nil {
		return err
	}
	summary := ix.summarize(ctx, raw.SanitizedText)

	if err := ix.limiter.Wait(ctx); err != nil {
		return err
	}
	smart := ix.analyzeSmart(ctx, raw.SanitizedText, raw.Kind)
	unified := mergeTags(raw.Tags, smart.Tags)

	related, err := ix.index.Related(ctx, raw.User, vector, relatedFetch, raw.ID)
	if err != nil {
		// Related linkage is best-effort; the document is still indexed.
		slog.Warn("related lookup failed", "thought_id", raw.ID, "error", err)
		related = nil
	}
	relatedIDs := make([]string, 0, relatedKeep)
	for _, hit := range related {
		if len(relatedIDs) == relatedKeep {
			break
		}
		relatedIDs = append(relatedIDs, hit.DocID)
	}

	props := datatypes.KnowledgeDocProperties{
		DocID:          raw.ID,
		DocType:        datatypes.DocTypeThought,
		User:           raw.User,
		Text:           raw.SanitizedText,
		Summary:        summary,
		Tags:           unified,
		Kind:           string(raw.Kind),
		Category:       smart.Category,
		Intent:         smart.Intent,
		Entities:       smart.Entities,
		CreatedAtEpoch: raw.CreatedAt,
		DecisionScore:  raw.DecisionScore,
	}
	props.Context = raw.Context
	if err := ix.index.Upsert(ctx, props, vector); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	derived := datatypes.DerivedFields{
		Summary:    summary,
		AutoTags:   smart.Tags,
		Category:   datatypes.Category(smart.Category),
		Intent:     datatypes.Intent(smart.Intent),
		Entities:   smart.Entities,
		RelatedIDs: relatedIDs,
		IndexedAt:  ix.now().UnixMilli(),
	}
	if err := ix.writeDerived(ctx, raw.User, raw.CreatedAt, raw.ID, derived); err != nil {
		return err
	}

	slog.Info("thought indexed",
		"thought_id", raw.ID,
		"user", raw.User,
		"tag_count", len(unified),
		"related_count", len(relatedIDs),
	)
	return nil
}

func (ix *Indexer) loadRawThought(ctx context.Context, job datatypes.IndexJob) (*datatypes.RawThought, error) {
	data, err := ix.blob.Get(ctx, job.RawKey)
	if err != nil {
		return nil, fmt.Errorf("raw blob fetch failed for %s: %w", job.RawKey, err)
	}
	var raw datatypes.RawThought
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("raw blob malformed at %s: %w", job.RawKey, err)
	}
	return &raw, nil
}

func (ix *Indexer) writeDerived(ctx context.Context, user string, createdAt int64, id string, derived datatypes.DerivedFields) error {
	pk := datatypes.UserPK(user)
	sk := datatypes.ThoughtSK(createdAt, id)
	err := ix.store.Update(ctx, pk, sk, func(rec store.Record) (store.Record, error) {
		var t datatypes.Thought
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return store.Record{}, err
		}
		t.Derived = &derived
		data, err := json.Marshal(t)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		return rec, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Row deleted while the job was in flight; drop the job.
		slog.Warn("thought row gone before derived write", "thought_id", id, "user", user)
		return nil
	}
	if err != nil {
		return fmt.Errorf("derived field write failed: %w", err)
	}
	return nil
}

// processConversation runs the per-conversation pipeline: decrypt, build the
// transcript, embed, summarize, upsert under the conversation id.
func (ix *Indexer) processConversation(ctx context.Context, job datatypes.IndexJob) error {
	pk := datatypes.UserPK(job.User)
	rec, err := ix.store.Get(ctx, pk, datatypes.ConversationSK(job.ConversationID))
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("conversation gone before indexing", "conversation_id", job.ConversationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("conversation fetch failed: %w", err)
	}
	var conv datatypes.Conversation
	if err := json.Unmarshal(rec.Data, &conv); err != nil {
		return fmt.Errorf("conversation row malformed: %w", err)
	}
	if conv.DeletedAt > 0 {
		return nil
	}

	messages, err := ix.loadMessages(ctx, job.ConversationID)
	if err != nil {
		return err
	}

	var transcript strings.Builder
	citedSet := make(map[string]struct{})
	var cited []string
	var firstQuestion string
	plaintexts := make([]string, 0, len(messages))
	for _, m := range messages {
		text, derr := ix.envelope.Decrypt(m.Body, envelope.AAD{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			UserID:         job.User,
		})
		if derr != nil {
			// Best effort: keep indexing with a sentinel body.
			slog.Warn("message decryption failed during indexing",
				"conversation_id", job.ConversationID,
				"message_id", m.ID,
			)
			text = datatypes.DecryptionSentinel
		}
		plaintexts = append(plaintexts, text)
		if m.Role == datatypes.RoleUser {
			if firstQuestion == "" {
				firstQuestion = text
			}
			fmt.Fprintf(&transcript, "Q: %s\n\n", text)
		} else {
			fmt.Fprintf(&transcript, "A: %s\n\n", text)
		}
		for _, c := range m.Citations {
			if _, ok := citedSet[c.ID]; ok {
				continue
			}
			citedSet[c.ID] = struct{}{}
			cited = append(cited, c.ID)
		}
	}

	text := strings.TrimSpace(transcript.String())
	vector, err := ix.embed(ctx, text)
	if err != nil {
		return err
	}

	summary := ix.summarizeConversation(ctx, conv.Title, firstQuestion, plaintexts)

	props := datatypes.KnowledgeDocProperties{
		DocID:           conv.ID,
		DocType:         datatypes.DocTypeConversation,
		User:            job.User,
		Text:            text,
		Summary:         summary,
		Title:           conv.Title,
		MessageCount:    conv.MessageCount,
		CitedThoughtIDs: cited,
		CreatedAtEpoch:  conv.CreatedAt,
		UpdatedAtEpoch:  conv.UpdatedAt,
	}
	if err := ix.index.Upsert(ctx, props, vector); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	indexedAt := ix.now().UnixMilli()
	err = ix.store.Update(ctx, pk, datatypes.ConversationSK(conv.ID), func(rec store.Record) (store.Record, error) {
		var cur datatypes.Conversation
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return store.Record{}, err
		}
		cur.IndexedAt = indexedAt
		data, err := json.Marshal(cur)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		return rec, nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("indexedAt write failed: %w", err)
	}

	slog.Info("conversation indexed",
		"conversation_id", conv.ID,
		"user", job.User,
		"message_count", len(messages),
		"cited_count", len(cited),
	)
	return nil
}

func (ix *Indexer) loadMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	q := store.Query{
		PK:       datatypes.ConversationPK(conversationID),
		SKPrefix: datatypes.MessageSKPrefix,
		Limit:    500,
	}
	var out []datatypes.Message
	for {
		page, err := ix.store.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("message scan failed: %w", err)
		}
		for _, rec := range page.Records {
			var m datatypes.Message
			if err := json.Unmarshal(rec.Data, &m); err != nil {
				return nil, fmt.Errorf("message row malformed: %w", err)
			}
			out = append(out, m)
		}
		if !page.HasMore {
			return out, nil
		}
		q.Cursor = page.Cursor
	}
}

// summarizeConversation applies the short-dialog rule before spending a
// model call.
func (ix *Indexer) summarizeConversation(ctx context.Context, title, firstQuestion string, plaintexts []string) string {
	if len(plaintexts) <= 2 {
		summary := title
		if firstQuestion != "" {
			summary = title + ": " + firstQuestion
		}
		return clampWords(summary, conversationWords)
	}

	head := plaintexts
	if len(head) > conversationSummaryHead {
		head = head[:conversationSummaryHead]
	}
	if err := ix.limiter.Wait(ctx); err != nil {
		return clampWords(title+": "+firstQuestion, conversationWords)
	}
	out, err := ix.client.Complete(ctx,
		fmt.Sprintf("Summarize this conversation in one sentence of at most %d words. Output only the sentence.", conversationWords),
		strings.Join(head, "\n"),
		llm.GenerationParams{Temperature: llm.Float32Ptr(0.2), MaxTokens: llm.IntPtr(80)})
	if err != nil {
		slog.Warn("conversation summary failed, using title", "error", err)
		return clampWords(title+": "+firstQuestion, conversationWords)
	}
	return clampWords(strings.TrimSpace(out), conversationWords)
}
