// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package themegraph clusters a user's thoughts into labeled themes and lays
// them out in 2-D. Graphs are cached per {user, window}; randomness in
// clustering and labeling means two cache misses can disagree, and the cache
// is what gives consumers a stable view.
package themegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/usermeta"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

var tracer = otel.Tracer("recollect.themegraph")

const (
	cacheTTL = time.Hour

	maxDocs = vectorindex.MaxGraphDocs

	labelSampleSize = 10
	labelSampleLen  = 200

	clusterRadius   = 150.0
	nodeSpiralReach = 80.0

	maxNodeDegree  = 5
	nodePreviewLen = 60

	recencyHorizon = 365 * 24 * time.Hour

	fallbackLabel       = "Miscellaneous"
	fallbackDescription = "Various related thoughts"

	algorithmKMeans   = "kmeans-cosine"
	algorithmFallback = "metadata-fallback"
)

// palette is the fixed theme color cycle.
var palette = [8]string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2",
	"#59a14f", "#edc948", "#b07aa1", "#9c755f",
}

const labelPrompt = `These are notes from one topic cluster. Output STRICT JSON, no prose, no code fences:
{"label": "2-4 word theme name", "description": "one sentence describing the theme"}`

var labelFencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// Builder produces theme graphs.
type Builder struct {
	index  vectorindex.Index
	cache  blob.Store
	store  store.RecordStore
	client llm.Client
	now    func() time.Time
	newRng func() *rand.Rand
}

// New creates a graph builder.
func New(idx vectorindex.Index, cache blob.Store, rs store.RecordStore, client llm.Client) *Builder {
	return &Builder{
		index:  idx,
		cache:  cache,
		store:  rs,
		client: client,
		now:    time.Now,
		newRng: func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
	}
}

// SetClock replaces the time source. Test helper.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// SetSeed pins the clustering randomness. Test helper.
func (b *Builder) SetSeed(seed int64) {
	b.newRng = func() *rand.Rand { return rand.New(rand.NewSource(seed)) }
}

// Build returns the theme graph for the request window, serving the cache
// when it is fresh and the user's data has not changed since it was written.
func (b *Builder) Build(ctx context.Context, user string, req datatypes.GraphRequest) (*datatypes.DerivedGraph, error) {
	const op = "themegraph.Build"
	ctx, span := tracer.Start(ctx, "ThemeGraph.Build")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	window := req.Window()
	span.SetAttributes(attribute.String("graph.window", window))

	if g := b.cached(ctx, user, window); g != nil {
		span.SetAttributes(attribute.Bool("graph.cache_hit", true))
		return g, nil
	}

	timeWindow, err := windowRange(req.Month)
	if err != nil {
		return nil, err
	}

	graph, err := b.build(ctx, user, timeWindow, req.MinSimilarity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if data, merr := json.Marshal(graph); merr == nil {
		if werr := b.cache.Put(ctx, datatypes.GraphCacheKey(user, window), data); werr != nil {
			slog.Warn("graph cache write failed", "user", user, "window", window, "error", werr)
		}
	}
	return graph, nil
}

func (b *Builder) cached(ctx context.Context, user, window string) *datatypes.DerivedGraph {
	data, err := b.cache.Get(ctx, datatypes.GraphCacheKey(user, window))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			slog.Warn("graph cache read failed", "user", user, "error", err)
		}
		return nil
	}
	var g datatypes.DerivedGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil
	}
	now := b.now()
	if now.Sub(time.UnixMilli(g.Metadata.GeneratedAt)) >= cacheTTL {
		return nil
	}
	meta, err := usermeta.Get(ctx, b.store, user)
	if err != nil {
		slog.Warn("lastDataChange read failed, treating cache as stale", "user", user, "error", err)
		return nil
	}
	if g.Metadata.GeneratedAt <= meta.LastDataChange {
		return nil
	}
	return &g
}

func windowRange(month string) (datatypes.TimeWindow, error) {
	if month == "" {
		return datatypes.TimeWindow{}, nil
	}
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return datatypes.TimeWindow{}, datatypes.NewError(datatypes.KindValidation, "themegraph.windowRange",
			fmt.Sprintf("month must be YYYY-MM, got %q", month))
	}
	return datatypes.TimeWindow{
		From: start.UnixMilli(),
		To:   start.AddDate(0, 1, 0).UnixMilli() - 1,
	}, nil
}

func (b *Builder) build(ctx context.Context, user string, window datatypes.TimeWindow, minSimilarity float64) (*datatypes.DerivedGraph, error) {
	hits, err := b.index.FetchEmbeddings(ctx, user, window, maxDocs)
	if err != nil {
		slog.Warn("vector store unreachable, building degraded graph", "user", user, "error", err)
		return b.buildDegraded(ctx, user, window)
	}
	now := b.now()

	if len(hits) == 0 {
		return &datatypes.DerivedGraph{
			Themes: []datatypes.Theme{},
			Nodes:  []datatypes.GraphNode{},
			Edges:  []datatypes.GraphEdge{},
			Metadata: datatypes.GraphMetadata{
				GeneratedAt: now.UnixMilli(),
				Algorithm:   algorithmKMeans,
			},
		}, nil
	}

	vectors := make([][]float64, len(hits))
	for i, h := range hits {
		vectors[i] = toFloat64(h.Vector)
	}

	k := ChooseK(len(hits))
	assign := cluster(vectors, k, b.newRng())

	// The theme count is fixed by k, not by occupancy: coinciding
	// embeddings can leave trailing clusters empty, and those still
	// render as fallback-labeled themes.
	clusterCount := min(k, len(hits))

	members := make([][]int, clusterCount)
	for i, a := range assign {
		members[a] = append(members[a], i)
	}

	themes := b.labelClusters(ctx, hits, members)

	nodes := layoutNodes(hits, members, now)
	edges := buildEdges(hits, vectors, minSimilarity)

	return &datatypes.DerivedGraph{
		Themes: themes,
		Nodes:  nodes,
		Edges:  edges,
		Metadata: datatypes.GraphMetadata{
			ThoughtCount: len(hits),
			ThemeCount:   len(themes),
			EdgeCount:    len(edges),
			GeneratedAt:  now.UnixMilli(),
			Algorithm:    algorithmKMeans,
		},
	}, nil
}

// labelClusters asks the model for a name and description per cluster, in
// parallel, falling back to the fixed label on any failure.
func (b *Builder) labelClusters(ctx context.Context, hits []vectorindex.Hit, members [][]int) []datatypes.Theme {
	themes := make([]datatypes.Theme, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for c, idxs := range members {
		themes[c] = datatypes.Theme{
			ID:    fmt.Sprintf("theme_%d", c),
			Color: palette[c%len(palette)],
			Count: len(idxs),
		}
		g.Go(func() error {
			label, desc := b.labelOne(gctx, hits, idxs)
			themes[c].Label = label
			themes[c].Description = desc
			for _, i := range idxs[:min(3, len(idxs))] {
				themes[c].SampleThoughts = append(themes[c].SampleThoughts, truncate(hits[i].Text, nodePreviewLen))
			}
			return nil
		})
	}
	_ = g.Wait()
	return themes
}

func (b *Builder) labelOne(ctx context.Context, hits []vectorindex.Hit, idxs []int) (string, string) {
	if len(idxs) == 0 {
		return fallbackLabel, fallbackDescription
	}
	sample := idxs
	if len(sample) > labelSampleSize {
		sample = sample[:labelSampleSize]
	}
	var lines []string
	for _, i := range sample {
		lines = append(lines, "- "+truncate(hits[i].Text, labelSampleLen))
	}

	raw, err := b.client.Complete(ctx, labelPrompt, strings.Join(lines, "\n"),
		llm.GenerationParams{Temperature: llm.Float32Ptr(0.2), MaxTokens: llm.IntPtr(100)})
	if err != nil {
		slog.Warn("cluster labeling failed", "error", err)
		return fallbackLabel, fallbackDescription
	}
	raw = strings.TrimSpace(raw)
	if m := labelFencePattern.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var parsed struct {
		Label       string `json:"label"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed.Label == "" {
		slog.Warn("cluster label payload unparseable")
		return fallbackLabel, fallbackDescription
	}
	if parsed.Description == "" {
		parsed.Description = fallbackDescription
	}
	return parsed.Label, parsed.Description
}

// layoutNodes places cluster centers on a circle and spiral-places members
// around each center.
func layoutNodes(hits []vectorindex.Hit, members [][]int, now time.Time) []datatypes.GraphNode {
	k := len(members)
	nodes := make([]datatypes.GraphNode, len(hits))
	for c, idxs := range members {
		angle := 2 * math.Pi * float64(c) / float64(k)
		cx := clusterRadius * math.Cos(angle)
		cy := clusterRadius * math.Sin(angle)
		n := len(idxs)
		for j, i := range idxs {
			theta := 4 * math.Pi * float64(j) / float64(n)
			r := nodeSpiralReach * (0.3 + 0.7*float64(j)/float64(n))
			h := hits[i]
			nodes[i] = datatypes.GraphNode{
				ID:         h.DocID,
				Label:      truncate(h.Text, nodePreviewLen),
				ThemeID:    fmt.Sprintf("theme_%d", c),
				X:          cx + r*math.Cos(theta),
				Y:          cy + r*math.Sin(theta),
				Tags:       h.Tags,
				Recency:    nodeRecency(h.CreatedAtEpoch, now),
				Importance: h.DecisionScore,
				Kind:       datatypes.ThoughtKind(h.Kind),
			}
		}
	}
	return nodes
}

func nodeRecency(createdAtEpoch int64, now time.Time) float64 {
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

// buildEdges keeps pairs at or above the similarity cutoff, greedily by
// similarity, capping every node at five edges.
func buildEdges(hits []vectorindex.Hit, vectors [][]float64, minSimilarity float64) []datatypes.GraphEdge {
	type candidate struct {
		i, j int
		sim  float64
	}
	var candidates []candidate
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := cosineSim(vectors[i], vectors[j])
			if sim >= minSimilarity {
				candidates = append(candidates, candidate{i, j, sim})
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].sim != candidates[b].sim {
			return candidates[a].sim > candidates[b].sim
		}
		if candidates[a].i != candidates[b].i {
			return candidates[a].i < candidates[b].i
		}
		return candidates[a].j < candidates[b].j
	})

	degree := make([]int, len(vectors))
	edges := []datatypes.GraphEdge{}
	for _, c := range candidates {
		if degree[c.i] >= maxNodeDegree || degree[c.j] >= maxNodeDegree {
			continue
		}
		degree[c.i]++
		degree[c.j]++
		edges = append(edges, datatypes.GraphEdge{
			Source:     hits[c.i].DocID,
			Target:     hits[c.j].DocID,
			Similarity: math.Round(c.sim*1000) / 1000,
		})
	}
	return edges
}

// buildDegraded renders a flat single-theme graph from the metadata store
// when the vector store is unreachable. No embeddings are invented: there
// are no edges and no clustering, and the metadata says so.
func (b *Builder) buildDegraded(ctx context.Context, user string, window datatypes.TimeWindow) (*datatypes.DerivedGraph, error) {
	const op = "themegraph.buildDegraded"

	q := store.Query{
		PK:       datatypes.UserPK(user),
		SKPrefix: datatypes.ThoughtSKPrefix,
		Limit:    maxDocs,
	}
	now := b.now()
	var thoughts []datatypes.Thought
	for {
		page, err := b.store.Query(ctx, q)
		if err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
		}
		for _, rec := range page.Records {
			var t datatypes.Thought
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return nil, datatypes.WrapError(datatypes.KindInternal, op, err)
			}
			if t.IsDeleted() {
				continue
			}
			if window.From > 0 && t.CreatedAt < window.From {
				continue
			}
			if window.To > 0 && t.CreatedAt > window.To {
				continue
			}
			thoughts = append(thoughts, t)
		}
		if !page.HasMore || len(thoughts) >= maxDocs {
			break
		}
		q.Cursor = page.Cursor
	}

	nodes := make([]datatypes.GraphNode, len(thoughts))
	n := len(thoughts)
	for j, t := range thoughts {
		theta := 4 * math.Pi * float64(j) / math.Max(float64(n), 1)
		r := nodeSpiralReach * (0.3 + 0.7*float64(j)/math.Max(float64(n), 1))
		nodes[j] = datatypes.GraphNode{
			ID:         t.ID,
			Label:      truncate(t.Text, nodePreviewLen),
			ThemeID:    "theme_0",
			X:          r * math.Cos(theta),
			Y:          r * math.Sin(theta),
			Tags:       t.AllTags(),
			Recency:    nodeRecency(t.CreatedAt, now),
			Importance: t.DecisionScore,
			Kind:       t.Kind,
		}
	}

	themes := []datatypes.Theme{}
	if n > 0 {
		themes = append(themes, datatypes.Theme{
			ID:          "theme_0",
			Label:       "All thoughts",
			Description: "Themes are unavailable while search is degraded",
			Color:       palette[0],
			Count:       n,
		})
	}
	return &datatypes.DerivedGraph{
		Themes: themes,
		Nodes:  nodes,
		Edges:  []datatypes.GraphEdge{},
		Metadata: datatypes.GraphMetadata{
			ThoughtCount: n,
			ThemeCount:   len(themes),
			GeneratedAt:  now.UnixMilli(),
			Algorithm:    algorithmFallback,
			Degraded:     true,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
