// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capture implements thought ingestion: durable raw storage, the
// queryable metadata row, and the index-job enqueue. The caller gets an
// answer as soon as durability is guaranteed, before any LLM or vector
// work happens.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/usermeta"
)

var tracer = otel.Tracer("recollect.capture")

// Service ingests thoughts and serves the thought read paths.
type Service struct {
	store store.RecordStore
	blob  blob.Store
	queue queue.IndexQueue
	now   func() time.Time
	newID func() string
}

// New creates a capture service.
func New(rs store.RecordStore, bs blob.Store, q queue.IndexQueue) *Service {
	return &Service{
		store: rs,
		blob:  bs,
		queue: q,
		now:   time.Now,
		newID: func() string { return "t_" + uuid.New().String() },
	}
}

// SetClock replaces the time source. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerator replaces the id source. Test helper.
func (s *Service) SetIDGenerator(gen func() string) { s.newID = gen }

// Capture ingests one thought.
//
// # Description
//
// Validates, analyzes (kind auto-detect, inline tags, secret redaction,
// decision score), then performs the three durable side effects in order:
// raw blob write, conditional metadata write, queue enqueue. A duplicate id
// is an idempotent success that enqueues nothing. A failed enqueue is
// surfaced as internal even though the blob and row exist, because without
// the job the thought would stay invisible to retrieval.
func (s *Service) Capture(ctx context.Context, user string, req datatypes.CaptureThoughtRequest) (*datatypes.CaptureThoughtResponse, error) {
	const op = "capture.Capture"
	ctx, span := tracer.Start(ctx, "Capture.Capture")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = DetectKind(req.Text)
	}
	tags := ExtractTags(req.Text, req.Tags)
	if len(tags) > datatypes.MaxTags {
		tags = tags[:datatypes.MaxTags]
	}
	sanitized, changed := Redact(req.Text)
	score := DecisionScore(req.Text)

	id := req.ID
	if id == "" {
		id = s.newID()
	}
	createdAt := req.CreatedAt
	if createdAt == 0 {
		createdAt = s.now().UnixMilli()
	}
	created := time.UnixMilli(createdAt).UTC()

	span.SetAttributes(
		attribute.String("thought.kind", string(kind)),
		attribute.Bool("thought.contains_sensitive", changed),
	)

	raw := datatypes.RawThought{
		ID:            id,
		User:          user,
		CreatedAt:     createdAt,
		OriginalText:  req.Text,
		SanitizedText: sanitized,
		Kind:          kind,
		Tags:          tags,
		Context:       req.Context,
		DecisionScore: score,
	}
	rawKey := datatypes.RawBlobKey(user, created.Format("2006-01-02"), id)
	rawData, err := json.Marshal(raw)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	if err := s.blob.Put(ctx, rawKey, rawData); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "raw write failed")
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	thought := datatypes.Thought{
		ID:                id,
		User:              user,
		CreatedAt:         createdAt,
		CreatedAtISO:      created.Format(time.RFC3339),
		Text:              sanitized,
		Kind:              kind,
		Tags:              tags,
		Context:           req.Context,
		DecisionScore:     score,
		ContainsSensitive: changed,
	}
	rec, err := thoughtRecord(thought)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	err = s.store.Put(ctx, rec, store.CondNotExists)
	if errors.Is(err, store.ErrConditionFailed) {
		// Duplicate capture: equivalent response, no second job.
		slog.Info("duplicate capture treated as success", "thought_id", id, "user", user)
		return &datatypes.CaptureThoughtResponse{
			ID:        id,
			CreatedAt: thought.CreatedAtISO,
			Message:   "already captured",
		}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "metadata write failed")
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	job := datatypes.NewThoughtJob(id, user, rawKey, createdAt)
	if err := s.queue.Send(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return nil, datatypes.NewError(datatypes.KindInternal, op, "capture stored but not queued for indexing")
	}

	if err := usermeta.Bump(ctx, s.store, user, createdAt); err != nil {
		// Non-fatal: the graph cache may serve one stale read.
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}

	slog.Info("thought captured",
		"thought_id", id,
		"user", user,
		"kind", kind,
		"tag_count", len(tags),
	)
	return &datatypes.CaptureThoughtResponse{ID: id, CreatedAt: thought.CreatedAtISO}, nil
}

func thoughtRecord(t datatypes.Thought) (store.Record, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		PK:     datatypes.UserPK(t.User),
		SK:     datatypes.ThoughtSK(t.CreatedAt, t.ID),
		Data:   data,
		GSI1PK: datatypes.KindGSI1PK(t.Kind),
		GSI1SK: datatypes.TimeGSI1SK(t.CreatedAt),
	}, nil
}

// List returns a page of the user's thoughts, newest first, with optional
// kind, tag, and time filters.
func (s *Service) List(ctx context.Context, user string, req datatypes.ListThoughtsRequest) (*datatypes.ListThoughtsResponse, error) {
	const op = "capture.List"
	ctx, span := tracer.Start(ctx, "Capture.List")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q := store.Query{
		PK:         datatypes.UserPK(user),
		SKPrefix:   datatypes.ThoughtSKPrefix,
		Descending: true,
		Limit:      req.Limit,
		Cursor:     req.Cursor,
	}
	if req.From > 0 {
		q.SKFrom = "ts#" + padLeft(req.From)
	}
	if req.To > 0 {
		q.SKTo = "ts#" + padLeft(req.To) + "#~"
	}

	// Filtered rows (kind/tag mismatches, soft deletes) are dropped after
	// the scan, so a page may come back short; the cursor still advances
	// one store page at a time and never skips a surviving row.
	resp := &datatypes.ListThoughtsResponse{Thoughts: []datatypes.Thought{}}
	page, err := s.store.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	for _, rec := range page.Records {
		var t datatypes.Thought
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		if !thoughtMatches(t, req) {
			continue
		}
		resp.Thoughts = append(resp.Thoughts, t)
	}
	resp.Cursor = page.Cursor
	resp.HasMore = page.HasMore

	if req.IncludeCount {
		count, err := s.countThoughts(ctx, user, req)
		if err != nil {
			span.RecordError(err)
			return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		resp.TotalCount = &count
	}
	return resp, nil
}

func thoughtMatches(t datatypes.Thought, req datatypes.ListThoughtsRequest) bool {
	if t.IsDeleted() {
		return false
	}
	if req.Kind != "" && t.Kind != req.Kind {
		return false
	}
	if req.Tag != "" {
		found := false
		for _, tag := range t.AllTags() {
			if tag == req.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Service) countThoughts(ctx context.Context, user string, req datatypes.ListThoughtsRequest) (int, error) {
	q := store.Query{
		PK:       datatypes.UserPK(user),
		SKPrefix: datatypes.ThoughtSKPrefix,
		Limit:    500,
	}
	if req.From > 0 {
		q.SKFrom = "ts#" + padLeft(req.From)
	}
	if req.To > 0 {
		q.SKTo = "ts#" + padLeft(req.To) + "#~"
	}
	count := 0
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			return 0, err
		}
		for _, rec := range page.Records {
			var t datatypes.Thought
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return 0, err
			}
			if thoughtMatches(t, req) {
				count++
			}
		}
		if !page.HasMore {
			return count, nil
		}
		q.Cursor = page.Cursor
	}
}

// Get returns one live thought by id.
func (s *Service) Get(ctx context.Context, user, id string) (*datatypes.Thought, error) {
	const op = "capture.Get"

	t, err := s.findByID(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.IsDeleted() {
		return nil, datatypes.NewError(datatypes.KindNotFound, op, "thought not found")
	}
	return t, nil
}

// findByID scans the user's partition for the thought id. The sort key
// embeds the creation epoch, so a direct lookup needs the createdAt; this
// path is only used by related/delete where the id arrives alone.
func (s *Service) findByID(ctx context.Context, user, id string) (*datatypes.Thought, error) {
	q := store.Query{
		PK:       datatypes.UserPK(user),
		SKPrefix: datatypes.ThoughtSKPrefix,
		Limit:    500,
	}
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, "capture.findByID", err)
		}
		for _, rec := range page.Records {
			if !strings.HasSuffix(rec.SK, "#"+id) {
				continue
			}
			var t datatypes.Thought
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return nil, datatypes.WrapError(datatypes.KindInternal, "capture.findByID", err)
			}
			return &t, nil
		}
		if !page.HasMore {
			return nil, nil
		}
		q.Cursor = page.Cursor
	}
}

// Related returns the indexer-derived related thoughts for an id.
func (s *Service) Related(ctx context.Context, user, id string) (*datatypes.RelatedThoughtsResponse, error) {
	ctx, span := tracer.Start(ctx, "Capture.Related")
	defer span.End()

	t, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	resp := &datatypes.RelatedThoughtsResponse{ThoughtID: id, Related: []datatypes.Thought{}}
	if t.Derived == nil || len(t.Derived.RelatedIDs) == 0 {
		return resp, nil
	}
	for _, rid := range t.Derived.RelatedIDs {
		related, err := s.findByID(ctx, user, rid)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if related == nil || related.IsDeleted() {
			continue
		}
		resp.Related = append(resp.Related, *related)
	}
	resp.Count = len(resp.Related)
	return resp, nil
}

// Delete soft-deletes a thought: deletedAt is set, the vector document is
// removed by the caller's engine wiring, and every retrieval path excludes
// it from now on.
func (s *Service) Delete(ctx context.Context, user, id string) error {
	const op = "capture.Delete"
	ctx, span := tracer.Start(ctx, "Capture.Delete")
	defer span.End()

	t, err := s.findByID(ctx, user, id)
	if err != nil {
		return err
	}
	if t == nil || t.IsDeleted() {
		return datatypes.NewError(datatypes.KindNotFound, op, "thought not found")
	}

	now := s.now().UnixMilli()
	pk := datatypes.UserPK(user)
	sk := datatypes.ThoughtSK(t.CreatedAt, t.ID)
	err = s.store.Update(ctx, pk, sk, func(rec store.Record) (store.Record, error) {
		var cur datatypes.Thought
		if err := json.Unmarshal(rec.Data, &cur); err != nil {
			return store.Record{}, err
		}
		if cur.DeletedAt == 0 || now > cur.DeletedAt {
			cur.DeletedAt = now
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		return rec, nil
	})
	if err != nil {
		span.RecordError(err)
		return datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	if err := usermeta.Bump(ctx, s.store, user, now); err != nil {
		slog.Warn("failed to bump lastDataChange", "user", user, "error", err)
	}
	slog.Info("thought deleted", "thought_id", id, "user", user)
	return nil
}

// Export returns every live thought created or deleted at or after since,
// plus the ids of thoughts deleted in that window. Sync clients replay the
// deletions and upsert the rest.
func (s *Service) Export(ctx context.Context, user string, since int64) ([]datatypes.Thought, []string, error) {
	const op = "capture.Export"
	ctx, span := tracer.Start(ctx, "Capture.Export")
	defer span.End()

	q := store.Query{
		PK:       datatypes.UserPK(user),
		SKPrefix: datatypes.ThoughtSKPrefix,
		Limit:    500,
	}
	thoughts := []datatypes.Thought{}
	deleted := []string{}
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			span.RecordError(err)
			return nil, nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		for _, rec := range page.Records {
			var t datatypes.Thought
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return nil, nil, datatypes.WrapError(datatypes.KindInternal, op, err)
			}
			if t.IsDeleted() {
				if since == 0 || t.DeletedAt >= since {
					deleted = append(deleted, t.ID)
				}
				continue
			}
			if since == 0 || t.CreatedAt >= since {
				thoughts = append(thoughts, t)
			}
		}
		if !page.HasMore {
			return thoughts, deleted, nil
		}
		q.Cursor = page.Cursor
	}
}

func padLeft(epochMs int64) string {
	return datatypes.ThoughtSK(epochMs, "")[3 : 3+13]
}
