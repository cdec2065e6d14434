// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorindex wraps the vector search store behind one interface.
// The indexer is the sole writer; documents are idempotent-by-id, so
// re-processing a job overwrites an equivalent document and last writer
// wins.
package vectorindex

import (
	"context"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// Hit is one search result, independent of which query path produced it.
// Score semantics differ per path (hybrid fused score, BM25 score, or kNN
// certainty); the retrieval engine normalizes before fusing.
type Hit struct {
	DocID           string
	DocType         string
	Text            string
	Summary         string
	Tags            []string
	Kind            string
	Category        string
	Intent          string
	Title           string
	MessageCount    int
	CitedThoughtIDs []string
	CreatedAtEpoch  int64
	UpdatedAtEpoch  int64
	DecisionScore   float64
	Score           float64
	Vector          []float32
}

// SearchQuery describes one retrieval request against the index.
type SearchQuery struct {
	// User is mandatory; every path filters on it.
	User string

	// Query is the lexical query string (already synonym-expanded).
	Query string

	// Vector is the embedding of the original query text. Required for
	// Hybrid, ignored by BM25.
	Vector []float32

	// Tags are ANDed filter terms.
	Tags []string

	// From bounds created_at_epoch from below when positive.
	From int64

	// DocType restricts to one discriminator value; empty matches both.
	DocType string

	// Limit caps returned hits. Zero means the implementation default.
	Limit int
}

// Index is the vector store contract.
//
// # Description
//
// Hybrid unions BM25 over {text^2, summary^1.5, tags} with kNN over the
// document vectors. BM25 is the degraded path used when hybrid fails.
// Related is the k-NN lookup used for related-thought linkage.
// FetchEmbeddings returns thought documents with their vectors for the
// theme graph builder.
type Index interface {
	Upsert(ctx context.Context, props datatypes.KnowledgeDocProperties, vector []float32) error
	Delete(ctx context.Context, docID string) error
	Hybrid(ctx context.Context, q SearchQuery) ([]Hit, error)
	BM25(ctx context.Context, q SearchQuery) ([]Hit, error)
	Related(ctx context.Context, user string, vector []float32, k int, excludeDocID string) ([]Hit, error)
	FetchEmbeddings(ctx context.Context, user string, window datatypes.TimeWindow, limit int) ([]Hit, error)
}

// Default result ceilings. Retrieval requests headroom for reranking.
const (
	DefaultSearchLimit = 100
	RelatedK           = 6
	MaxGraphDocs       = 1000
)
