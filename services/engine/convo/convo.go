// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package convo is the conversation state machine: ordered, encrypted,
// multi-turn dialogs that reuse retrieval and synthesis for each turn and
// trigger re-indexing for searchability. Message plaintext exists only in
// flight; it is never stored, logged, or put in an error.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/envelope"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/synthesis"
	"github.com/recollect-labs/recollect/services/engine/usermeta"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
)

var tracer = otel.Tracer("recollect.convo")

const (
	// reindexDebounce suppresses conversation index jobs while the dialog
	// is actively growing.
	reindexDebounce = 10 * time.Second

	// decryptFanout bounds concurrent envelope opens during a batch read.
	decryptFanout = 10

	deleteChunk = store.BatchDeleteChunk

	defaultMessagePage = 50
)

// Service implements the conversation operations.
type Service struct {
	store     store.RecordStore
	envelope  *envelope.Envelope
	retrieval *retrieval.Engine
	synth     *synthesis.Synthesizer
	queue     queue.IndexQueue
	index     vectorindex.Index
	now       func() time.Time
	newID     func(prefix string) string
}

// New creates a conversation service.
func New(rs store.RecordStore, env *envelope.Envelope, re *retrieval.Engine,
	sy *synthesis.Synthesizer, q queue.IndexQueue, idx vectorindex.Index) *Service {
	return &Service{
		store:     rs,
		envelope:  env,
		retrieval: re,
		synth:     sy,
		queue:     q,
		index:     idx,
		now:       time.Now,
		newID:     func(prefix string) string { return prefix + uuid.New().String() },
	}
}

// SetClock replaces the time source. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerator replaces the id source. Test helper.
func (s *Service) SetIDGenerator(gen func(prefix string) string) { s.newID = gen }

func conversationRecord(c datatypes.Conversation) (store.Record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		PK:     datatypes.UserPK(c.User),
		SK:     datatypes.ConversationSK(c.ID),
		Data:   data,
		GSI3PK: datatypes.UserPK(c.User),
		GSI3SK: datatypes.UpdatedGSI3SK(c.UpdatedAt),
	}, nil
}

// Create inserts an active conversation. When an initial message is given,
// the full send-message flow runs synchronously and the first exchange comes
// back inline.
func (s *Service) Create(ctx context.Context, user string, req datatypes.CreateConversationRequest) (*datatypes.CreateConversationResponse, error) {
	const op = "convo.Create"
	ctx, span := tracer.Start(ctx, "Convo.Create")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	conv := datatypes.Conversation{
		ID:        s.newID("conv_"),
		User:      user,
		Title:     req.Title,
		Status:    datatypes.StatusActive,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	if conv.Title == "" {
		conv.Title = datatypes.DefaultConversationTitle(now)
	}
	rec, err := conversationRecord(conv)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	if err := s.store.Put(ctx, rec, store.CondNotExists); err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	if err := usermeta.Bump(ctx, s.store, user, now.UnixMilli()); err != nil {
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}
	slog.Info("conversation created", "conversation_id", conv.ID, "user", user)

	resp := &datatypes.CreateConversationResponse{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	if req.InitialMessage != "" {
		sent, err := s.SendMessage(ctx, user, conv.ID, datatypes.SendMessageRequest{Content: req.InitialMessage})
		if err != nil {
			return nil, err
		}
		resp.Messages = []datatypes.PlainMessage{sent.UserMessage, sent.AssistantMessage}
	}
	return resp, nil
}

// List pages the user's conversations most-recently-updated first via the
// recency index.
func (s *Service) List(ctx context.Context, user string, req datatypes.ListConversationsRequest) (*datatypes.ListConversationsResponse, error) {
	const op = "convo.List"
	ctx, span := tracer.Start(ctx, "Convo.List")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	page, err := s.store.QueryGSI(ctx, store.GSI3, store.Query{
		PK:         datatypes.UserPK(user),
		SKPrefix:   "updated#",
		Descending: true,
		Limit:      req.Limit,
		Cursor:     req.Cursor,
	})
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	resp := &datatypes.ListConversationsResponse{
		Conversations: []datatypes.ConversationSummary{},
		Cursor:        page.Cursor,
		HasMore:       page.HasMore,
	}
	for _, rec := range page.Records {
		var conv datatypes.Conversation
		if err := json.Unmarshal(rec.Data, &conv); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		if conv.DeletedAt > 0 {
			continue
		}
		if req.Status != "" && conv.Status != req.Status {
			continue
		}
		resp.Conversations = append(resp.Conversations, summarize(conv))
	}
	return resp, nil
}

func summarize(c datatypes.Conversation) datatypes.ConversationSummary {
	return datatypes.ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		Status:       c.Status,
		MessageCount: c.MessageCount,
		CreatedAt:    time.UnixMilli(c.CreatedAt).UTC().Format(time.RFC3339),
		UpdatedAt:    time.UnixMilli(c.UpdatedAt).UTC().Format(time.RFC3339),
	}
}

func (s *Service) load(ctx context.Context, user, id string) (*datatypes.Conversation, error) {
	const op = "convo.load"
	rec, err := s.store.Get(ctx, datatypes.UserPK(user), datatypes.ConversationSK(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, datatypes.NewError(datatypes.KindNotFound, op, "conversation not found")
	}
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	var conv datatypes.Conversation
	if err := json.Unmarshal(rec.Data, &conv); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	if conv.DeletedAt > 0 {
		return nil, datatypes.NewError(datatypes.KindNotFound, op, "conversation not found")
	}
	return &conv, nil
}

// Get returns the conversation and a decrypted page of its messages in
// chronological order.
func (s *Service) Get(ctx context.Context, user, id string, cursor string, limit int) (*datatypes.GetConversationResponse, error) {
	const op = "convo.Get"
	ctx, span := tracer.Start(ctx, "Convo.Get")
	defer span.End()

	conv, err := s.load(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}

	page, err := s.store.Query(ctx, store.Query{
		PK:       datatypes.ConversationPK(id),
		SKPrefix: datatypes.MessageSKPrefix,
		Limit:    limit,
		Cursor:   cursor,
	})
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	messages := make([]datatypes.Message, 0, len(page.Records))
	for _, rec := range page.Records {
		var m datatypes.Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		messages = append(messages, m)
	}
	plain := s.decryptAll(ctx, user, messages)

	return &datatypes.GetConversationResponse{
		Conversation: summarize(*conv),
		Messages:     plain,
		Cursor:       page.Cursor,
		HasMore:      page.HasMore,
	}, nil
}

// decryptAll opens message envelopes with a bounded fanout. A message that
// fails to decrypt comes back with the sentinel body; the batch never fails.
func (s *Service) decryptAll(ctx context.Context, user string, messages []datatypes.Message) []datatypes.PlainMessage {
	out := make([]datatypes.PlainMessage, len(messages))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(decryptFanout)
	for i, m := range messages {
		g.Go(func() error {
			content, err := s.envelope.Decrypt(m.Body, envelope.AAD{
				ConversationID: m.ConversationID,
				MessageID:      m.ID,
				UserID:         user,
			})
			if err != nil {
				slog.Warn("message decryption failed",
					"conversation_id", m.ConversationID,
					"message_id", m.ID,
				)
				content = datatypes.DecryptionSentinel
			}
			out[i] = datatypes.PlainMessage{
				ID:                 m.ID,
				Role:               m.Role,
				Content:            content,
				CreatedAt:          time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339),
				Citations:          m.Citations,
				SearchedThoughtIDs: m.SearchedThoughtIDs,
				Confidence:         m.Confidence,
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Update renames or archives/unarchives the conversation.
func (s *Service) Update(ctx context.Context, user, id string, req datatypes.UpdateConversationRequest) (*datatypes.ConversationSummary, error) {
	const op = "convo.Update"
	ctx, span := tracer.Start(ctx, "Convo.Update")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, user, id); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	var updated datatypes.Conversation
	err := s.store.Update(ctx, datatypes.UserPK(user), datatypes.ConversationSK(id), func(rec store.Record) (store.Record, error) {
		var conv datatypes.Conversation
		if err := json.Unmarshal(rec.Data, &conv); err != nil {
			return store.Record{}, err
		}
		if req.Title != nil {
			conv.Title = *req.Title
		}
		if req.Status != nil {
			conv.Status = *req.Status
		}
		conv.UpdatedAt = now
		data, err := json.Marshal(conv)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		rec.GSI3SK = datatypes.UpdatedGSI3SK(now)
		updated = conv
		return rec, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, datatypes.NewError(datatypes.KindNotFound, op, "conversation not found")
	}
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	if err := usermeta.Bump(ctx, s.store, user, now); err != nil {
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}
	summary := summarize(updated)
	return &summary, nil
}

// Delete tombstones the conversation and batch-removes its messages in
// chunks. Idempotent: deleting a missing or already-deleted conversation
// succeeds.
func (s *Service) Delete(ctx context.Context, user, id string) error {
	ctx, span := tracer.Start(ctx, "Convo.Delete")
	defer span.End()

	conv, err := s.load(ctx, user, id)
	if err != nil {
		if datatypes.KindOf(err) == datatypes.KindNotFound {
			return nil
		}
		return err
	}

	// Collect and delete message rows in chunks.
	pk := datatypes.ConversationPK(id)
	q := store.Query{PK: pk, SKPrefix: datatypes.MessageSKPrefix, Limit: deleteChunk}
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			span.RecordError(err)
			return datatypes.WrapError(datatypes.KindInternal, "convo.Delete", err)
		}
		if len(page.Records) == 0 {
			break
		}
		sks := make([]string, 0, len(page.Records))
		for _, rec := range page.Records {
			sks = append(sks, rec.SK)
		}
		if err := s.store.BatchDelete(ctx, pk, sks); err != nil {
			span.RecordError(err)
			return datatypes.WrapError(datatypes.KindInternal, "convo.Delete", err)
		}
		// Re-query from the start: deletes shift the prefix window.
		q.Cursor = ""
	}

	now := s.now().UnixMilli()
	err = s.store.Update(ctx, datatypes.UserPK(user), datatypes.ConversationSK(id), func(rec store.Record) (store.Record, error) {
		var cur datatypes.Conversation
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return store.Record{}, err
		}
		cur.Status = datatypes.StatusDeleted
		cur.DeletedAt = now
		cur.UpdatedAt = now
		data, err := json.Marshal(cur)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		rec.GSI3SK = datatypes.UpdatedGSI3SK(now)
		return rec, nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		return datatypes.WrapError(datatypes.KindInternal, "convo.Delete", err)
	}

	if err := s.index.Delete(ctx, conv.ID); err != nil {
		slog.Warn("failed to remove conversation document", "conversation_id", conv.ID, "error", err)
	}
	if err := usermeta.Bump(ctx, s.store, user, now); err != nil {
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}
	slog.Info("conversation deleted", "conversation_id", id, "user", user)
	return nil
}

// SendMessage runs one dialog turn: persist the user message, retrieve,
// synthesize with history, persist the assistant message, bump counters,
// debounce a re-index job.
//
// # Assumptions
//
// The user message is written before any model work, so a cancelled call can
// leave a user message without an assistant reply; the next turn picks it up
// as history. The reverse order never happens.
func (s *Service) SendMessage(ctx context.Context, user, id string, req datatypes.SendMessageRequest) (*datatypes.SendMessageResponse, error) {
	const op = "convo.SendMessage"
	ctx, span := tracer.Start(ctx, "Convo.SendMessage")
	defer span.End()
	started := s.now()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.load(ctx, user, id)
	if err != nil {
		return nil, err
	}

	history, err := s.recentHistory(ctx, user, id, req.IncludeHistory)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.storeMessage(ctx, user, conv.ID, datatypes.RoleUser, req.Content, nil)
	if err != nil {
		return nil, err
	}

	var window datatypes.TimeWindow
	if req.TimeWindow != "" {
		window, err = datatypes.ParseTimeWindow(req.TimeWindow, started)
		if err != nil {
			return nil, err
		}
	}
	results := s.retrieval.Search(ctx, user, retrieval.Params{
		Query:  req.Content,
		Tags:   req.Tags,
		Window: window,
	})

	answer := s.synth.Synthesize(ctx, req.Content, results.Thoughts, history)
	assistantMsg, err := s.storeMessage(ctx, user, conv.ID, datatypes.RoleAssistant, answer.Text, &answer)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	var indexedAt int64
	err = s.store.Update(ctx, datatypes.UserPK(user), datatypes.ConversationSK(conv.ID), func(rec store.Record) (store.Record, error) {
		var cur datatypes.Conversation
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return store.Record{}, err
		}
		cur.MessageCount += 2
		cur.UpdatedAt = now
		indexedAt = cur.IndexedAt
		data, err := json.Marshal(cur)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		rec.GSI3SK = datatypes.UpdatedGSI3SK(now)
		return rec, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	if time.Duration(now-indexedAt)*time.Millisecond > reindexDebounce {
		if err := s.queue.Send(ctx, datatypes.NewConversationJob(conv.ID, user)); err != nil {
			slog.Warn("failed to enqueue conversation re-index", "conversation_id", conv.ID, "error", err)
		}
	}
	if err := usermeta.Bump(ctx, s.store, user, now); err != nil {
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}

	span.SetAttributes(
		attribute.Int("convo.history_size", len(history)),
		attribute.Int("convo.citation_count", len(answer.Citations)),
	)
	slog.Info("message exchange completed",
		"conversation_id", conv.ID,
		"user", user,
		"citation_count", len(answer.Citations),
	)
	return &datatypes.SendMessageResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		ProcessingTime:   s.now().Sub(started).Milliseconds(),
	}, nil
}

// recentHistory loads the last n messages decrypted in chronological order.
func (s *Service) recentHistory(ctx context.Context, user, id string, n int) ([]datatypes.PlainMessage, error) {
	page, err := s.store.Query(ctx, store.Query{
		PK:         datatypes.ConversationPK(id),
		SKPrefix:   datatypes.MessageSKPrefix,
		Descending: true,
		Limit:      n,
	})
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, "convo.recentHistory", err)
	}
	messages := make([]datatypes.Message, 0, len(page.Records))
	for _, rec := range page.Records {
		var m datatypes.Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, "convo.recentHistory", err)
		}
		messages = append(messages, m)
	}
	// Reverse to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return s.decryptAll(ctx, user, messages), nil
}

// storeMessage encrypts and persists one turn. answer is nil for user
// messages.
func (s *Service) storeMessage(ctx context.Context, user, conversationID string, role datatypes.MessageRole, content string, answer *synthesis.Answer) (datatypes.PlainMessage, error) {
	const op = "convo.storeMessage"

	msgID := s.newID("msg_")
	body, err := s.envelope.Encrypt(content, envelope.AAD{
		ConversationID: conversationID,
		MessageID:      msgID,
		UserID:         user,
	})
	if err != nil {
		return datatypes.PlainMessage{}, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	now := s.now().UnixMilli()
	m := datatypes.Message{
		ID:             msgID,
		ConversationID: conversationID,
		Role:           role,
		Body:           body,
		CreatedAt:      now,
	}
	if answer != nil {
		m.Citations = answer.Citations
		m.SearchedThoughtIDs = answer.SearchedThoughtIDs
		m.Confidence = answer.Confidence
	}
	data, err := json.Marshal(m)
	if err != nil {
		return datatypes.PlainMessage{}, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	err = s.store.Put(ctx, store.Record{
		PK:   datatypes.ConversationPK(conversationID),
		SK:   datatypes.MessageSK(now, msgID),
		Data: data,
	}, store.CondNotExists)
	if err != nil {
		return datatypes.PlainMessage{}, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	plain := datatypes.PlainMessage{
		ID:        msgID,
		Role:      role,
		Content:   content,
		CreatedAt: time.UnixMilli(now).UTC().Format(time.RFC3339),
	}
	if answer != nil {
		plain.Citations = answer.Citations
		plain.SearchedThoughtIDs = answer.SearchedThoughtIDs
		plain.Confidence = answer.Confidence
	}
	return plain, nil
}

// Export returns every live conversation with decrypted messages, filtered
// to those updated at or after since.
func (s *Service) Export(ctx context.Context, user string, since int64) ([]datatypes.ExportConversation, []string, error) {
	const op = "convo.Export"
	ctx, span := tracer.Start(ctx, "Convo.Export")
	defer span.End()

	var out []datatypes.ExportConversation
	var deleted []string
	q := store.Query{
		PK:       datatypes.UserPK(user),
		SKPrefix: datatypes.ConversationSKPrefix,
		Limit:    100,
	}
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			span.RecordError(err)
			return nil, nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		for _, rec := range page.Records {
			var conv datatypes.Conversation
			if err := json.Unmarshal(rec.Data, &conv); err != nil {
				return nil, nil, datatypes.WrapError(datatypes.KindInternal, op, err)
			}
			if conv.UpdatedAt < since {
				continue
			}
			if conv.DeletedAt > 0 {
				deleted = append(deleted, conv.ID)
				continue
			}
			full, err := s.Get(ctx, user, conv.ID, "", 1000)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, datatypes.ExportConversation{
				Conversation: full.Conversation,
				Messages:     full.Messages,
			})
		}
		if !page.HasMore {
			break
		}
		q.Cursor = page.Cursor
	}
	return out, deleted, nil
}
