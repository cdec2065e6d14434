// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides chat-completion and embedding clients behind small
// interfaces. The synthesizer, indexer, and theme labeler depend only on
// these; backend selection happens once at process startup.
package llm

import "context"

// GenerationParams tunes a single completion. Nil fields use the backend's
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Float32Ptr is a convenience for building GenerationParams literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr is a convenience for building GenerationParams literals.
func IntPtr(v int) *int { return &v }

// Client is the chat-completion contract for any LLM backend.
type Client interface {
	// Complete sends a system and user prompt and returns the generated
	// text. The context carries the caller's remaining deadline budget.
	Complete(ctx context.Context, system, user string, params GenerationParams) (string, error)
}

// Embedder is the embedding contract.
//
// # Description
//
// Embed returns one vector per input text, in input order. Dim reports the
// fixed dimensionality of the configured model; the vector index schema and
// the k-means math both depend on it being stable.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}
