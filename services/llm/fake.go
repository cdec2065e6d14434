// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// ScriptedClient is a Client for tests: it replays canned responses in order
// and records the prompts it saw. Safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int

	// Prompts holds the (system, user) pairs seen, in call order.
	Prompts [][2]string
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient creates a client replaying the given responses. The last
// response repeats once the script runs out.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Fail makes every Complete call return err.
func (c *ScriptedClient) Fail(err error) { c.err = err }

// Complete implements Client.
func (c *ScriptedClient) Complete(_ context.Context, system, user string, _ GenerationParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, [2]string{system, user})
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", fmt.Errorf("scripted client has no responses")
	}
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

// Calls reports how many completions were requested.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// HashEmbedder is a deterministic Embedder for tests: the vector is derived
// from a hash of the text, normalized to unit length, so equal texts embed
// equally and different texts are nearly orthogonal.
type HashEmbedder struct {
	Dimension int
	err       error
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates an embedder with the given dimensionality.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dimension: dim}
}

// Fail makes every Embed call return err.
func (e *HashEmbedder) Fail(err error) { e.err = err }

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

// Dim implements Embedder.
func (e *HashEmbedder) Dim() int { return e.Dimension }

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.Dimension)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	var norm float64
	for i := range vec {
		// xorshift keeps the sequence deterministic per text.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float32(int64(state%2000)-1000) / 1000
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
