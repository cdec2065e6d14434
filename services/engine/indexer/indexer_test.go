// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/envelope"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ix       *Indexer
	queue    *queue.MemoryQueue
	blob     *blob.MemoryStore
	store    *store.BadgerStore
	index    *vectorindex.FakeIndex
	client   *llm.ScriptedClient
	embedder *llm.HashEmbedder
	envelope *envelope.Envelope
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	rs, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	env, err := envelope.New(bytes.Repeat([]byte{7}, envelope.KeySize))
	require.NoError(t, err)

	fx := &fixture{
		queue:    queue.NewMemoryQueue(time.Minute),
		blob:     blob.NewMemoryStore(),
		store:    rs,
		index:    vectorindex.NewFakeIndex(),
		client:   llm.NewScriptedClient(responses...),
		embedder: llm.NewHashEmbedder(64),
		envelope: env,
	}
	fx.ix = New(Config{}, fx.queue, fx.blob, rs, fx.index, fx.client, fx.embedder, env)
	fx.ix.SetClock(func() time.Time { return testNow })
	return fx
}

// seedThought stores the raw blob and metadata row, then enqueues its job.
func (fx *fixture) seedThought(t *testing.T, id, text string, tags []string) datatypes.IndexJob {
	t.Helper()
	ctx := context.Background()
	createdAt := testNow.Add(-time.Hour).UnixMilli()
	raw := datatypes.RawThought{
		ID: id, User: "alice", CreatedAt: createdAt,
		OriginalText: text, SanitizedText: text,
		Kind: datatypes.KindNote, Tags: tags, DecisionScore: 0.2,
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	key := datatypes.RawBlobKey("alice", "2025-06-15", id)
	require.NoError(t, fx.blob.Put(ctx, key, data))

	thought := datatypes.Thought{ID: id, User: "alice", CreatedAt: createdAt, Text: text, Kind: datatypes.KindNote, Tags: tags}
	trec, err := json.Marshal(thought)
	require.NoError(t, err)
	require.NoError(t, fx.store.Put(ctx, store.Record{
		PK: datatypes.UserPK("alice"), SK: datatypes.ThoughtSK(createdAt, id), Data: trec,
	}, store.CondNone))

	job := datatypes.NewThoughtJob(id, "alice", key, createdAt)
	require.NoError(t, fx.queue.Send(ctx, job))
	return job
}

func (fx *fixture) loadThought(t *testing.T, id string, createdAt int64) datatypes.Thought {
	t.Helper()
	rec, err := fx.store.Get(context.Background(), datatypes.UserPK("alice"), datatypes.ThoughtSK(createdAt, id))
	require.NoError(t, err)
	var th datatypes.Thought
	require.NoError(t, json.Unmarshal(rec.Data, &th))
	return th
}

func TestThoughtPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes and writes derived fields", func(t *testing.T) {
		fx := newFixture(t,
			"Chose badger for the metadata store.",
			`{"tags":["badger","storage","embedded-db"],"category":"engineering","intent":"decision","entities":["Badger"]}`,
		)
		job := fx.seedThought(t, "t_1",
			"decided to use badger as the embedded metadata store because it needs no external process and supports transactions",
			[]string{"infra"})

		n, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		props, ok := fx.index.Doc("t_1")
		require.True(t, ok, "document not upserted")
		assert.Equal(t, datatypes.DocTypeThought, props.DocType)
		assert.Equal(t, "alice", props.User)
		assert.Equal(t, "Chose badger for the metadata store.", props.Summary)
		assert.Equal(t, []string{"infra", "badger", "storage", "embedded-db"}, props.Tags)
		assert.Equal(t, "engineering", props.Category)
		assert.Equal(t, "decision", props.Intent)

		th := fx.loadThought(t, "t_1", job.CreatedAt)
		require.NotNil(t, th.Derived)
		assert.Equal(t, testNow.UnixMilli(), th.Derived.IndexedAt)
		assert.Equal(t, []string{"badger", "storage", "embedded-db"}, th.Derived.AutoTags)

		assert.Equal(t, 0, fx.queue.PendingLen(), "message not acked")
	})

	t.Run("reprocessing is idempotent", func(t *testing.T) {
		fx := newFixture(t, "Summary sentence.",
			`{"tags":["alpha","beta","gamma"],"category":"other","intent":"note","entities":[]}`,
			"Summary sentence.",
			`{"tags":["alpha","beta","gamma"],"category":"other","intent":"note","entities":[]}`,
		)
		job := fx.seedThought(t, "t_re", "a thought that is definitely long enough that the summarizer is consulted instead of being truncated away entirely", nil)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		first, _ := fx.index.Doc("t_re")

		require.NoError(t, fx.queue.Send(ctx, job))
		_, err = fx.ix.RunOnce(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, fx.index.Len(), "duplicate document created")
		second, _ := fx.index.Doc("t_re")
		assert.Equal(t, first, second)
	})

	t.Run("short text skips the summarizer", func(t *testing.T) {
		fx := newFixture(t, `{"tags":["quick"],"category":"other","intent":"note","entities":[]}`)
		fx.seedThought(t, "t_short", "tiny note", nil)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		props, ok := fx.index.Doc("t_short")
		require.True(t, ok)
		assert.Equal(t, "tiny note", props.Summary)
		assert.Equal(t, 1, fx.client.Calls(), "only the smart-tag call should happen")
	})

	t.Run("fenced smart tag payload parses", func(t *testing.T) {
		fx := newFixture(t,
			"A summary.",
			"```json\n{\"tags\":[\"fenced\",\"payload\",\"works\"],\"category\":\"learning\",\"intent\":\"note\",\"entities\":[]}\n```",
		)
		fx.seedThought(t, "t_fence", "some body text that is comfortably long enough to trigger the llm summary pathway in this test fixture", nil)
		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		props, _ := fx.index.Doc("t_fence")
		assert.Contains(t, props.Tags, "fenced")
		assert.Equal(t, "learning", props.Category)
	})

	t.Run("garbage smart tags fall back to heuristics", func(t *testing.T) {
		fx := newFixture(t, "A summary.", "sorry, I cannot produce JSON today")
		fx.seedThought(t, "t_heur", "the kubernetes deployment keeps crashing, docker image pulls fine though; suspect a bug in the postgres init container", nil)
		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)

		props, _ := fx.index.Doc("t_heur")
		assert.Contains(t, props.Tags, "kubernetes")
		assert.Contains(t, props.Tags, "docker")
		assert.Contains(t, props.Tags, "sql")
		assert.Equal(t, "engineering", props.Category)
		assert.Equal(t, "bug-report", props.Intent)
	})

	t.Run("embedding failure leaves the job for redelivery", func(t *testing.T) {
		fx := newFixture(t)
		fx.embedder.Fail(assert.AnError)
		fx.seedThought(t, "t_fail", "some note", nil)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, fx.index.Len())
		assert.Equal(t, 1, fx.queue.PendingLen(), "failed message should be requeued")
	})

	t.Run("related ids capped at five", func(t *testing.T) {
		fx := newFixture(t, "Sum.", `{"tags":["rel"],"category":"other","intent":"note","entities":[]}`)
		emb := fx.embedder
		for i := 0; i < 8; i++ {
			id := string(rune('a' + i))
			vecs, err := emb.Embed(ctx, []string{"neighbor " + id})
			require.NoError(t, err)
			require.NoError(t, fx.index.Upsert(ctx, datatypes.KnowledgeDocProperties{
				DocID: "t_n" + id, DocType: datatypes.DocTypeThought, User: "alice", Text: "neighbor " + id,
			}, vecs[0]))
		}
		job := fx.seedThought(t, "t_hub", "a thought whose neighborhood is already populated with many existing indexed documents nearby", nil)
		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)

		th := fx.loadThought(t, "t_hub", job.CreatedAt)
		require.NotNil(t, th.Derived)
		assert.LessOrEqual(t, len(th.Derived.RelatedIDs), 5)
		assert.NotContains(t, th.Derived.RelatedIDs, "t_hub")
	})
}

func TestConversationPipeline(t *testing.T) {
	ctx := context.Background()

	seedConversation := func(t *testing.T, fx *fixture, id string, turns []string, breakMsg int) datatypes.Conversation {
		t.Helper()
		conv := datatypes.Conversation{
			ID: id, User: "alice", Title: "Storage talk", Status: datatypes.StatusActive,
			MessageCount: len(turns),
			CreatedAt:    testNow.Add(-2 * time.Hour).UnixMilli(),
			UpdatedAt:    testNow.Add(-time.Hour).UnixMilli(),
		}
		data, err := json.Marshal(conv)
		require.NoError(t, err)
		require.NoError(t, fx.store.Put(ctx, store.Record{
			PK: datatypes.UserPK("alice"), SK: datatypes.ConversationSK(id), Data: data,
		}, store.CondNone))

		for i, content := range turns {
			msgID := "msg_" + string(rune('a'+i))
			role := datatypes.RoleUser
			if i%2 == 1 {
				role = datatypes.RoleAssistant
			}
			body, err := fx.envelope.Encrypt(content, envelope.AAD{
				ConversationID: id, MessageID: msgID, UserID: "alice",
			})
			require.NoError(t, err)
			if i == breakMsg {
				body = "not-even-base64!"
			}
			m := datatypes.Message{ID: msgID, ConversationID: id, Role: role, Body: body,
				CreatedAt: testNow.Add(-time.Duration(len(turns)-i) * time.Minute).UnixMilli()}
			if role == datatypes.RoleAssistant {
				m.Citations = []datatypes.Citation{{ID: "t_cited_" + string(rune('a'+i))}}
			}
			mdata, err := json.Marshal(m)
			require.NoError(t, err)
			require.NoError(t, fx.store.Put(ctx, store.Record{
				PK: datatypes.ConversationPK(id), SK: datatypes.MessageSK(m.CreatedAt, msgID), Data: mdata,
			}, store.CondNone))
		}
		require.NoError(t, fx.queue.Send(ctx, datatypes.NewConversationJob(id, "alice")))
		return conv
	}

	t.Run("indexes transcript with cited union", func(t *testing.T) {
		fx := newFixture(t, "Talked through storage engine choices.")
		seedConversation(t, fx, "conv_1", []string{
			"what store should we use", "badger fits", "why not bolt", "no transactions across keys",
		}, -1)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)

		props, ok := fx.index.Doc("conv_1")
		require.True(t, ok)
		assert.Equal(t, datatypes.DocTypeConversation, props.DocType)
		assert.Equal(t, "Storage talk", props.Title)
		assert.Contains(t, props.Text, "Q: what store should we use")
		assert.Contains(t, props.Text, "A: badger fits")
		assert.Len(t, props.CitedThoughtIDs, 2)
		assert.Equal(t, 4, props.MessageCount)

		rec, err := fx.store.Get(ctx, datatypes.UserPK("alice"), datatypes.ConversationSK("conv_1"))
		require.NoError(t, err)
		var conv datatypes.Conversation
		require.NoError(t, json.Unmarshal(rec.Data, &conv))
		assert.Equal(t, testNow.UnixMilli(), conv.IndexedAt)
	})

	t.Run("short dialog summary avoids the model", func(t *testing.T) {
		fx := newFixture(t)
		seedConversation(t, fx, "conv_short", []string{"what store should we use", "badger fits"}, -1)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		props, ok := fx.index.Doc("conv_short")
		require.True(t, ok)
		assert.Contains(t, props.Summary, "Storage talk")
		assert.Contains(t, props.Summary, "what store should we use")
		assert.Zero(t, fx.client.Calls())
	})

	t.Run("undecryptable message becomes a sentinel, indexing continues", func(t *testing.T) {
		fx := newFixture(t, "Summary.")
		seedConversation(t, fx, "conv_bad", []string{
			"first question", "first answer", "second question", "second answer",
		}, 1)

		_, err := fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		props, ok := fx.index.Doc("conv_bad")
		require.True(t, ok)
		assert.Contains(t, props.Text, datatypes.DecryptionSentinel)
		assert.NotContains(t, props.Text, "first answer")
		assert.Contains(t, props.Text, "second answer")
	})

	t.Run("deleted conversation is skipped", func(t *testing.T) {
		fx := newFixture(t)
		conv := seedConversation(t, fx, "conv_gone", []string{"q", "a"}, -1)
		conv.DeletedAt = testNow.UnixMilli()
		data, err := json.Marshal(conv)
		require.NoError(t, err)
		require.NoError(t, fx.store.Put(ctx, store.Record{
			PK: datatypes.UserPK("alice"), SK: datatypes.ConversationSK("conv_gone"), Data: data,
		}, store.CondNone))

		_, err = fx.ix.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, fx.index.Len())
		assert.Equal(t, 0, fx.queue.PendingLen(), "skip still acks the job")
	})
}

func TestParseSmartTags(t *testing.T) {
	t.Run("invalid enums coerced", func(t *testing.T) {
		st, err := parseSmartTags(`{"tags":["a","b","c"],"category":"wild","intent":"musing","entities":[]}`)
		require.NoError(t, err)
		assert.Equal(t, "other", st.Category)
		assert.Equal(t, "note", st.Intent)
	})

	t.Run("tags cleaned and capped", func(t *testing.T) {
		st, err := parseSmartTags(`{"tags":["Go Lang","go-lang","","none","x","y","z","w"],"category":"engineering","intent":"note"}`)
		require.NoError(t, err)
		assert.Equal(t, []string{"go-lang", "x", "y", "z", "w"}, st.Tags)
	})

	t.Run("empty tags is an error", func(t *testing.T) {
		_, err := parseSmartTags(`{"tags":[],"category":"engineering","intent":"note"}`)
		assert.Error(t, err)
	})
}
