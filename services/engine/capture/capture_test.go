// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/usermeta"
)

type captureFixture struct {
	svc   *Service
	store *store.BadgerStore
	blob  *blob.MemoryStore
	queue *queue.MemoryQueue
	now   time.Time
}

func newCaptureFixture(t *testing.T) *captureFixture {
	t.Helper()
	rs, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	bs := blob.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	svc := New(rs, bs, q)

	fx := &captureFixture{svc: svc, store: rs, blob: bs, queue: q,
		now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	svc.SetClock(func() time.Time { return fx.now })
	n := 0
	svc.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("t_fixed-%03d", n)
	})
	return fx
}

func TestCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("stores blob, row, and job", func(t *testing.T) {
		fx := newCaptureFixture(t)
		resp, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{
			Text: "decided on badger because embedded #storage",
			Tags: []string{"infra"},
		})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if !strings.HasPrefix(resp.ID, "t_") {
			t.Fatalf("id %q missing prefix", resp.ID)
		}

		rec, err := fx.store.Get(ctx, datatypes.UserPK("alice"),
			datatypes.ThoughtSK(fx.now.UnixMilli(), resp.ID))
		if err != nil {
			t.Fatalf("row missing: %v", err)
		}
		var thought datatypes.Thought
		if err := json.Unmarshal(rec.Data, &thought); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if thought.Kind != datatypes.KindRationale {
			t.Fatalf("kind %q, want rationale", thought.Kind)
		}
		if len(thought.Tags) != 2 || thought.Tags[0] != "infra" || thought.Tags[1] != "storage" {
			t.Fatalf("tags %v", thought.Tags)
		}
		if thought.DecisionScore <= 0 {
			t.Fatalf("decision score %v", thought.DecisionScore)
		}

		msgs, err := fx.queue.Receive(ctx, 10)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("want 1 job, got %d (err %v)", len(msgs), err)
		}
		if msgs[0].Job.ThoughtID != resp.ID || msgs[0].Job.IsConversation() {
			t.Fatalf("unexpected job %+v", msgs[0].Job)
		}

		raw, err := fx.blob.Get(ctx, msgs[0].Job.RawKey)
		if err != nil {
			t.Fatalf("blob missing: %v", err)
		}
		var rt datatypes.RawThought
		if err := json.Unmarshal(raw, &rt); err != nil {
			t.Fatalf("decode raw: %v", err)
		}
		if rt.OriginalText == "" || rt.SanitizedText == "" {
			t.Fatalf("raw thought incomplete: %+v", rt)
		}
	})

	t.Run("duplicate id is idempotent and enqueues once", func(t *testing.T) {
		fx := newCaptureFixture(t)
		req := datatypes.CaptureThoughtRequest{Text: "same thought", ID: "t_dup-1"}
		if _, err := fx.svc.Capture(ctx, "alice", req); err != nil {
			t.Fatalf("first capture: %v", err)
		}
		resp, err := fx.svc.Capture(ctx, "alice", req)
		if err != nil {
			t.Fatalf("second capture: %v", err)
		}
		if resp.ID != "t_dup-1" || resp.Message == "" {
			t.Fatalf("unexpected response %+v", resp)
		}
		if fx.queue.PendingLen() != 1 {
			t.Fatalf("want 1 queued job, got %d", fx.queue.PendingLen())
		}
	})

	t.Run("secret never reaches the metadata row", func(t *testing.T) {
		fx := newCaptureFixture(t)
		secret := "sk-" + strings.Repeat("A", 48)
		resp, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{
			Text: "rotate key " + secret,
		})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		got, err := fx.svc.Get(ctx, "alice", resp.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if strings.Contains(got.Text, secret) {
			t.Fatal("secret stored in metadata")
		}
		if !got.ContainsSensitive {
			t.Fatal("containsSensitive not set")
		}
	})

	t.Run("validation errors reject before side effects", func(t *testing.T) {
		fx := newCaptureFixture(t)
		_, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: ""})
		if datatypes.KindOf(err) != datatypes.KindValidation {
			t.Fatalf("kind %v", datatypes.KindOf(err))
		}
		if fx.queue.PendingLen() != 0 {
			t.Fatal("job enqueued for invalid request")
		}
	})

	t.Run("bumps lastDataChange", func(t *testing.T) {
		fx := newCaptureFixture(t)
		if _, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "x"}); err != nil {
			t.Fatalf("capture: %v", err)
		}
		meta, err := usermeta.Get(ctx, fx.store, "alice")
		if err != nil {
			t.Fatalf("meta: %v", err)
		}
		if meta.LastDataChange != fx.now.UnixMilli() {
			t.Fatalf("lastDataChange %d, want %d", meta.LastDataChange, fx.now.UnixMilli())
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, fx *captureFixture, n int, kind string) []string {
		t.Helper()
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			fx.now = fx.now.Add(time.Minute)
			text := "note number " + strings.Repeat("i", i+1)
			if kind == "todo" {
				text = "!todo " + text
			}
			resp, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: text})
			if err != nil {
				t.Fatalf("seed capture: %v", err)
			}
			ids = append(ids, resp.ID)
		}
		return ids
	}

	t.Run("newest first with paging", func(t *testing.T) {
		fx := newCaptureFixture(t)
		ids := seed(t, fx, 5, "note")

		page, err := fx.svc.List(ctx, "alice", datatypes.ListThoughtsRequest{Limit: 3})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Thoughts) != 3 || !page.HasMore {
			t.Fatalf("got %d hasMore=%v", len(page.Thoughts), page.HasMore)
		}
		if page.Thoughts[0].ID != ids[4] {
			t.Fatalf("first id %s, want %s", page.Thoughts[0].ID, ids[4])
		}

		rest, err := fx.svc.List(ctx, "alice", datatypes.ListThoughtsRequest{Limit: 3, Cursor: page.Cursor})
		if err != nil {
			t.Fatalf("list page 2: %v", err)
		}
		if len(rest.Thoughts) != 2 {
			t.Fatalf("got %d on page 2", len(rest.Thoughts))
		}
	})

	t.Run("kind filter", func(t *testing.T) {
		fx := newCaptureFixture(t)
		seed(t, fx, 2, "note")
		seed(t, fx, 3, "todo")

		page, err := fx.svc.List(ctx, "alice", datatypes.ListThoughtsRequest{Kind: datatypes.KindTodo})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Thoughts) != 3 {
			t.Fatalf("got %d todos", len(page.Thoughts))
		}
		for _, th := range page.Thoughts {
			if th.Kind != datatypes.KindTodo {
				t.Fatalf("kind %q leaked through filter", th.Kind)
			}
		}
	})

	t.Run("total count", func(t *testing.T) {
		fx := newCaptureFixture(t)
		seed(t, fx, 4, "note")
		page, err := fx.svc.List(ctx, "alice", datatypes.ListThoughtsRequest{Limit: 2, IncludeCount: true})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.TotalCount == nil || *page.TotalCount != 4 {
			t.Fatalf("totalCount %v", page.TotalCount)
		}
	})

	t.Run("users are isolated", func(t *testing.T) {
		fx := newCaptureFixture(t)
		seed(t, fx, 2, "note")
		page, err := fx.svc.List(ctx, "bob", datatypes.ListThoughtsRequest{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Thoughts) != 0 {
			t.Fatalf("bob sees %d of alice's thoughts", len(page.Thoughts))
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("soft delete hides from reads", func(t *testing.T) {
		fx := newCaptureFixture(t)
		resp, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "temp"})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if err := fx.svc.Delete(ctx, "alice", resp.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}

		if _, err := fx.svc.Get(ctx, "alice", resp.ID); datatypes.KindOf(err) != datatypes.KindNotFound {
			t.Fatalf("get after delete: %v", err)
		}
		page, err := fx.svc.List(ctx, "alice", datatypes.ListThoughtsRequest{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Thoughts) != 0 {
			t.Fatal("deleted thought listed")
		}
	})

	t.Run("missing id is not found", func(t *testing.T) {
		fx := newCaptureFixture(t)
		err := fx.svc.Delete(ctx, "alice", "t_missing")
		if datatypes.KindOf(err) != datatypes.KindNotFound {
			t.Fatalf("kind %v", datatypes.KindOf(err))
		}
	})

	t.Run("double delete is not found", func(t *testing.T) {
		fx := newCaptureFixture(t)
		resp, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "temp"})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if err := fx.svc.Delete(ctx, "alice", resp.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := fx.svc.Delete(ctx, "alice", resp.ID); datatypes.KindOf(err) != datatypes.KindNotFound {
			t.Fatalf("second delete: %v", err)
		}
	})
}

func TestRelated(t *testing.T) {
	ctx := context.Background()
	fx := newCaptureFixture(t)

	a, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "first"})
	if err != nil {
		t.Fatalf("capture a: %v", err)
	}
	fx.now = fx.now.Add(time.Minute)
	b, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "second"})
	if err != nil {
		t.Fatalf("capture b: %v", err)
	}

	t.Run("empty before indexing", func(t *testing.T) {
		resp, err := fx.svc.Related(ctx, "alice", a.ID)
		if err != nil {
			t.Fatalf("related: %v", err)
		}
		if resp.Count != 0 || len(resp.Related) != 0 {
			t.Fatalf("got %+v", resp)
		}
	})

	t.Run("resolves derived ids and skips deleted", func(t *testing.T) {
		// Simulate the indexer writing derived fields onto a.
		pk := datatypes.UserPK("alice")
		sk := datatypes.ThoughtSK(fx.now.Add(-time.Minute).UnixMilli(), a.ID)
		err := fx.store.Update(ctx, pk, sk, func(rec store.Record) (store.Record, error) {
			var th datatypes.Thought
			if err := json.Unmarshal(rec.Data, &th); err != nil {
				return store.Record{}, err
			}
			th.Derived = &datatypes.DerivedFields{RelatedIDs: []string{b.ID, "t_gone"}}
			data, err := json.Marshal(th)
			if err != nil {
				return store.Record{}, err
			}
			rec.Data = data
			return rec, nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}

		resp, err := fx.svc.Related(ctx, "alice", a.ID)
		if err != nil {
			t.Fatalf("related: %v", err)
		}
		if resp.Count != 1 || resp.Related[0].ID != b.ID {
			t.Fatalf("got %+v", resp)
		}
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	fx := newCaptureFixture(t)

	old, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{
		Text:      "old note",
		CreatedAt: fx.now.Add(-48 * time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	fresh, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "fresh note"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	gone, err := fx.svc.Capture(ctx, "alice", datatypes.CaptureThoughtRequest{Text: "doomed note"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := fx.svc.Delete(ctx, "alice", gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	t.Run("full export includes everything", func(t *testing.T) {
		thoughts, deleted, err := fx.svc.Export(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if len(thoughts) != 2 {
			t.Fatalf("got %d thoughts, want 2", len(thoughts))
		}
		if len(deleted) != 1 || deleted[0] != gone.ID {
			t.Fatalf("deleted = %v, want [%s]", deleted, gone.ID)
		}
	})

	t.Run("since excludes older thoughts but keeps recent deletions", func(t *testing.T) {
		since := fx.now.Add(-time.Hour).UnixMilli()
		thoughts, deleted, err := fx.svc.Export(ctx, "alice", since)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if len(thoughts) != 1 || thoughts[0].ID != fresh.ID {
			t.Fatalf("thoughts = %+v, want only %s", thoughts, fresh.ID)
		}
		if len(deleted) != 1 {
			t.Fatalf("deleted = %v, want the tombstoned id", deleted)
		}
		for _, th := range thoughts {
			if th.ID == old.ID {
				t.Fatalf("thought %s predates since and must be excluded", old.ID)
			}
		}
	})

	t.Run("other users see nothing", func(t *testing.T) {
		thoughts, deleted, err := fx.svc.Export(ctx, "bob", 0)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if len(thoughts) != 0 || len(deleted) != 0 {
			t.Fatalf("bob export = %v %v, want empty", thoughts, deleted)
		}
	})
}
