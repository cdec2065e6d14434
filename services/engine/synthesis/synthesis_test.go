// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

func result(id, text string, final float64) retrieval.Result {
	return retrieval.Result{
		Hit: vectorindex.Hit{
			DocID:          id,
			DocType:        datatypes.DocTypeThought,
			Text:           text,
			Kind:           "note",
			CreatedAtEpoch: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
		Final: final,
	}
}

func TestSynthesize(t *testing.T) {
	ctx := context.Background()

	t.Run("cites referenced notes", func(t *testing.T) {
		client := llm.NewScriptedClient("You chose badger for embedding [1] and kept redis for queues [2].")
		s := New(client)
		ans := s.Synthesize(ctx, "why badger", []retrieval.Result{
			result("t_a", "badger decision", 0.8),
			result("t_b", "redis queue note", 0.6),
		}, nil)

		require.Len(t, ans.Citations, 2)
		assert.Equal(t, "t_a", ans.Citations[0].ID)
		assert.Equal(t, "t_b", ans.Citations[1].ID)
		assert.Equal(t, []string{"t_a", "t_b"}, ans.SearchedThoughtIDs)
		assert.False(t, ans.Extractive)
	})

	t.Run("duplicate and out-of-range references collapse", func(t *testing.T) {
		client := llm.NewScriptedClient("See [1], again [1], and [9].")
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{result("t_a", "note", 0.8)}, nil)
		require.Len(t, ans.Citations, 1)
		assert.Equal(t, "t_a", ans.Citations[0].ID)
	})

	t.Run("low-score references are not cited", func(t *testing.T) {
		client := llm.NewScriptedClient("Answer based on [1] and [2].")
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{
			result("t_strong", "good", 0.9),
			result("t_weak", "marginal", 0.1),
		}, nil)
		require.Len(t, ans.Citations, 1)
		assert.Equal(t, "t_strong", ans.Citations[0].ID)
	})

	t.Run("citation scores min-max normalized and rounded", func(t *testing.T) {
		client := llm.NewScriptedClient("[1] [2] [3]")
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{
			result("t_a", "a", 0.9),
			result("t_b", "b", 0.6),
			result("t_c", "c", 0.45),
		}, nil)
		require.Len(t, ans.Citations, 3)
		assert.Equal(t, 1.0, ans.Citations[0].Score)
		assert.Equal(t, 0.333, ans.Citations[1].Score)
		assert.Equal(t, 0.0, ans.Citations[2].Score)
	})

	t.Run("confidence is mean of scores capped", func(t *testing.T) {
		client := llm.NewScriptedClient("[1] [2]")
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{
			result("t_a", "a", 0.99),
			result("t_b", "b", 0.97),
		}, nil)
		assert.Equal(t, 0.95, ans.Confidence)
	})

	t.Run("no references yields low confidence", func(t *testing.T) {
		client := llm.NewScriptedClient("I don't have notes on that.")
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{result("t_a", "a", 0.8)}, nil)
		assert.Empty(t, ans.Citations)
		assert.Equal(t, 0.3, ans.Confidence)
	})

	t.Run("empty context abstains without calling the model", func(t *testing.T) {
		client := llm.NewScriptedClient("should never be used")
		s := New(client)
		ans := s.Synthesize(ctx, "q", nil, nil)
		assert.Equal(t, AbstentionAnswer, ans.Text)
		assert.Empty(t, ans.Citations)
		assert.Equal(t, 0.1, ans.Confidence)
		assert.Zero(t, client.Calls())
	})

	t.Run("llm failure falls back to extractive answer", func(t *testing.T) {
		client := llm.NewScriptedClient()
		client.Fail(errors.New("provider down"))
		s := New(client)
		ans := s.Synthesize(ctx, "q", []retrieval.Result{result("t_top", "the badger decision note", 0.9)}, nil)
		assert.True(t, ans.Extractive)
		assert.Contains(t, ans.Text, "the badger decision note")
		require.Len(t, ans.Citations, 1)
		assert.Equal(t, "t_top", ans.Citations[0].ID)
		assert.Equal(t, 0.5, ans.Confidence)
	})

	t.Run("context capped at six snippets", func(t *testing.T) {
		client := llm.NewScriptedClient("ok [7]")
		s := New(client)
		var results []retrieval.Result
		for i := 0; i < 10; i++ {
			results = append(results, result("t_"+strings.Repeat("x", i+1), "note", 0.9))
		}
		ans := s.Synthesize(ctx, "q", results, nil)
		assert.Len(t, ans.SearchedThoughtIDs, MaxContextSnippets)
		assert.Empty(t, ans.Citations, "[7] is out of range after capping")
	})

	t.Run("history lands in the system prompt", func(t *testing.T) {
		client := llm.NewScriptedClient("sure [1]")
		s := New(client)
		history := []datatypes.PlainMessage{
			{Role: datatypes.RoleUser, Content: "what store did we pick"},
			{Role: datatypes.RoleAssistant, Content: "badger"},
		}
		s.Synthesize(ctx, "and why", []retrieval.Result{result("t_a", "a", 0.8)}, history)

		require.Len(t, client.Prompts, 1)
		system := client.Prompts[0][0]
		assert.Contains(t, system, "what store did we pick")
		assert.Contains(t, system, "Assistant: badger")
	})

	t.Run("prompt numbers snippets with dates", func(t *testing.T) {
		client := llm.NewScriptedClient("ok")
		s := New(client)
		s.Synthesize(ctx, "q", []retrieval.Result{result("t_a", "first note", 0.8)}, nil)
		require.Len(t, client.Prompts, 1)
		user := client.Prompts[0][1]
		assert.Contains(t, user, "[1] 2025-05-01 - first note")
		assert.Contains(t, user, "Question: q")
	})
}

func TestNormalizeConversationScores(t *testing.T) {
	hits := []datatypes.ConversationHit{
		{ID: "c1", Score: 0.8},
		{ID: "c2", Score: 0.2},
		{ID: "c3", Score: 0.5},
	}
	NormalizeConversationScores(hits)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, 0.0, hits[1].Score)
	assert.Equal(t, 0.5, hits[2].Score)

	single := []datatypes.ConversationHit{{ID: "c1", Score: 0.42}}
	NormalizeConversationScores(single)
	assert.Equal(t, 1.0, single[0].Score)
}
