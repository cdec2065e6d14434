// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval turns a natural-language query into ranked search hits.
// It never returns an error for a failed search: degraded paths end in an
// empty result set and the synthesizer decides what to say about it.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

var tracer = otel.Tracer("recollect.retrieval")

// Fusion weights and defaults.
const (
	searchWeight   = 0.40
	recencyWeight  = 0.15
	decisionWeight = 0.05

	recencyHorizon = 365 * 24 * time.Hour

	DefaultThoughtLimit      = 25
	DefaultConversationLimit = 3
)

// Params is one retrieval request.
type Params struct {
	Query             string
	Tags              []string
	Window            datatypes.TimeWindow
	ThoughtLimit      int
	ConversationLimit int
}

// Result is a reranked hit. Final is the fused score used for ordering;
// SearchScore keeps the raw engine score for diagnostics.
type Result struct {
	vectorindex.Hit

	SearchScore float64
	Recency     float64
	Final       float64
}

// Results are the two interleaved lists, one per document type.
type Results struct {
	Thoughts      []Result
	Conversations []Result

	// Prepared records what query preparation did, for diagnostics.
	Prepared PreparedQuery

	// Degraded is true when the hybrid path failed and BM25 served the
	// query, or when every path failed and the lists are empty.
	Degraded bool
}

// Engine runs prepared queries against the vector index and fuses scores.
type Engine struct {
	index    vectorindex.Index
	embedder llm.Embedder
	now      func() time.Time
}

// NewEngine creates a retrieval engine.
func NewEngine(index vectorindex.Index, embedder llm.Embedder) *Engine {
	return &Engine{index: index, embedder: embedder, now: time.Now}
}

// SetClock replaces the time source. Test helper.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Search runs the full pipeline: prepare, embed, hybrid (BM25 on failure),
// fuse, split by doc type.
//
// # Limitations
//
// A search that fails end to end returns empty lists, not an error. Callers
// that need to distinguish "nothing matched" from "search down" check
// Degraded.
func (e *Engine) Search(ctx context.Context, user string, p Params) Results {
	ctx, span := tracer.Start(ctx, "Retrieval.Search")
	defer span.End()

	if p.ThoughtLimit <= 0 {
		p.ThoughtLimit = DefaultThoughtLimit
	}
	if p.ConversationLimit <= 0 {
		p.ConversationLimit = DefaultConversationLimit
	}

	now := e.now()
	prepared := PrepareQuery(p.Query, p.Tags, p.Window, now)
	out := Results{Prepared: prepared}
	span.SetAttributes(
		attribute.Int("retrieval.tag_count", len(prepared.Tags)),
		attribute.String("retrieval.time_hint", prepared.TimeHint),
	)

	var vector []float32
	if vecs, err := e.embedder.Embed(ctx, []string{prepared.Original}); err != nil || len(vecs) == 0 {
		// Lexical-only is still useful; log and continue without a vector.
		slog.Warn("query embedding failed, degrading to lexical search", "error", err)
		out.Degraded = true
	} else {
		vector = vecs[0]
	}

	q := vectorindex.SearchQuery{
		User:   user,
		Query:  prepared.Expanded,
		Vector: vector,
		Tags:   prepared.Tags,
		From:   prepared.Window.From,
		Limit:  vectorindex.DefaultSearchLimit,
	}

	var hits []vectorindex.Hit
	var err error
	if len(vector) > 0 {
		hits, err = e.index.Hybrid(ctx, q)
	}
	if len(vector) == 0 || err != nil {
		if err != nil {
			slog.Warn("hybrid search failed, falling back to bm25", "error", err)
			out.Degraded = true
		}
		hits, err = e.index.BM25(ctx, q)
		if err != nil {
			slog.Error("search failed on all paths", "error", err)
			span.RecordError(err)
			out.Degraded = true
			out.Thoughts = []Result{}
			out.Conversations = []Result{}
			return out
		}
	}

	ranked := fuse(hits, now)
	for _, r := range ranked {
		switch r.DocType {
		case datatypes.DocTypeConversation:
			if len(out.Conversations) < p.ConversationLimit {
				out.Conversations = append(out.Conversations, r)
			}
		default:
			if len(out.Thoughts) < p.ThoughtLimit {
				out.Thoughts = append(out.Thoughts, r)
			}
		}
	}
	if out.Thoughts == nil {
		out.Thoughts = []Result{}
	}
	if out.Conversations == nil {
		out.Conversations = []Result{}
	}
	span.SetAttributes(
		attribute.Int("retrieval.thought_hits", len(out.Thoughts)),
		attribute.Int("retrieval.conversation_hits", len(out.Conversations)),
	)
	return out
}

// fuse normalizes engine scores by the page maximum and combines them with
// recency and the capture-time decision score. Order: Final desc, then
// createdAt desc, then id.
func fuse(hits []vectorindex.Hit, now time.Time) []Result {
	var maxScore float64
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		r := Result{Hit: h}
		if maxScore > 0 {
			r.SearchScore = h.Score / maxScore
		}
		r.Recency = recency(h.CreatedAtEpoch, now)
		r.Final = searchWeight*r.SearchScore + recencyWeight*r.Recency + decisionWeight*h.DecisionScore
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Final != out[j].Final {
			return out[i].Final > out[j].Final
		}
		if out[i].CreatedAtEpoch != out[j].CreatedAtEpoch {
			return out[i].CreatedAtEpoch > out[j].CreatedAtEpoch
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// recency decays linearly from 1 at now to 0 at the horizon.
func recency(createdAtEpoch int64, now time.Time) float64 {
	if createdAtEpoch <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(createdAtEpoch))
	if age <= 0 {
		return 1
	}
	if age >= recencyHorizon {
		return 0
	}
	return 1 - float64(age)/float64(recencyHorizon)
}
