// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Theme is one k-means cluster of a user's thoughts, labeled by the LLM.
type Theme struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	Description    string   `json:"description"`
	Color          string   `json:"color"`
	Count          int      `json:"count"`
	SampleThoughts []string `json:"sampleThoughts,omitempty"`
}

// GraphNode is one thought placed in 2-D space.
type GraphNode struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	ThemeID    string      `json:"themeId"`
	X          float64     `json:"x"`
	Y          float64     `json:"y"`
	Tags       []string    `json:"tags,omitempty"`
	Recency    float64     `json:"recency"`
	Importance float64     `json:"importance"`
	Kind       ThoughtKind `json:"kind"`
}

// GraphEdge links two nodes whose embeddings exceed the similarity cutoff.
type GraphEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Similarity float64 `json:"similarity"`
}

// GraphMetadata describes how the graph was produced. Degraded is set when
// the vector store was unreachable and the builder fell back to a flat
// single-theme rendering.
type GraphMetadata struct {
	ThoughtCount int    `json:"thoughtCount"`
	ThemeCount   int    `json:"themeCount"`
	EdgeCount    int    `json:"edgeCount"`
	GeneratedAt  int64  `json:"generatedAt"`
	Algorithm    string `json:"algorithm"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// DerivedGraph is the cached, client-facing theme graph for one
// {user, month|'all'} window.
type DerivedGraph struct {
	Themes   []Theme       `json:"themes"`
	Nodes    []GraphNode   `json:"nodes"`
	Edges    []GraphEdge   `json:"edges"`
	Metadata GraphMetadata `json:"metadata"`
}
