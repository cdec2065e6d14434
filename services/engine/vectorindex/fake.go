// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorindex

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// FakeIndex is an in-memory Index for tests and local development. Lexical
// scoring is a term-overlap count rather than real BM25, which is enough to
// exercise ranking, filtering, and fusion logic deterministically.
type FakeIndex struct {
	mu   sync.RWMutex
	docs map[string]fakeDoc

	// HybridErr, when set, makes Hybrid fail so callers exercise the BM25
	// fallback.
	HybridErr error

	// FetchErr, when set, makes FetchEmbeddings fail so the graph builder
	// exercises its degraded path.
	FetchErr error
}

type fakeDoc struct {
	props  datatypes.KnowledgeDocProperties
	vector []float32
}

var _ Index = (*FakeIndex)(nil)

// NewFakeIndex creates an empty fake.
func NewFakeIndex() *FakeIndex {
	return &FakeIndex{docs: make(map[string]fakeDoc)}
}

// Upsert implements Index.
func (f *FakeIndex) Upsert(_ context.Context, props datatypes.KnowledgeDocProperties, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	f.docs[props.DocID] = fakeDoc{props: props, vector: cp}
	return nil
}

// Delete implements Index.
func (f *FakeIndex) Delete(_ context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, docID)
	return nil
}

// Doc returns a stored document's properties. Test helper.
func (f *FakeIndex) Doc(docID string) (datatypes.KnowledgeDocProperties, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.docs[docID]
	return d.props, ok
}

// Len reports the number of stored documents. Test helper.
func (f *FakeIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.docs)
}

func (f *FakeIndex) matches(d fakeDoc, q SearchQuery) bool {
	p := d.props
	if p.User != q.User {
		return false
	}
	if q.DocType != "" && p.DocType != q.DocType {
		return false
	}
	if q.From > 0 && p.CreatedAtEpoch < q.From {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, tag := range p.Tags {
			if tag == want {
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

func lexicalScore(doc fakeDoc, query string) float64 {
	haystack := strings.ToLower(doc.props.Text + " " + doc.props.Summary + " " + strings.Join(doc.props.Tags, " "))
	var score float64
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(haystack, term) {
			score++
		}
	}
	return score
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func toHit(d fakeDoc, score float64, withVector bool) Hit {
	p := d.props
	hit := Hit{
		DocID:           p.DocID,
		DocType:         p.DocType,
		Text:            p.Text,
		Summary:         p.Summary,
		Tags:            p.Tags,
		Kind:            p.Kind,
		Category:        p.Category,
		Intent:          p.Intent,
		Title:           p.Title,
		MessageCount:    p.MessageCount,
		CitedThoughtIDs: p.CitedThoughtIDs,
		CreatedAtEpoch:  p.CreatedAtEpoch,
		UpdatedAtEpoch:  p.UpdatedAtEpoch,
		DecisionScore:   p.DecisionScore,
		Score:           score,
	}
	if withVector {
		hit.Vector = d.vector
	}
	return hit
}

func (f *FakeIndex) search(q SearchQuery, useVector bool) []Hit {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var hits []Hit
	for _, d := range f.docs {
		if !f.matches(d, q) {
			continue
		}
		score := lexicalScore(d, q.Query)
		if useVector && len(q.Vector) > 0 {
			score = score/2 + cosine(q.Vector, d.vector)
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, toHit(d, score, false))
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Hybrid implements Index.
func (f *FakeIndex) Hybrid(_ context.Context, q SearchQuery) ([]Hit, error) {
	if f.HybridErr != nil {
		return nil, f.HybridErr
	}
	return f.search(q, true), nil
}

// BM25 implements Index.
func (f *FakeIndex) BM25(_ context.Context, q SearchQuery) ([]Hit, error) {
	return f.search(q, false), nil
}

// Related implements Index.
func (f *FakeIndex) Related(_ context.Context, user string, vector []float32, k int, excludeDocID string) ([]Hit, error) {
	if k <= 0 {
		k = RelatedK
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var hits []Hit
	for _, d := range f.docs {
		p := d.props
		if p.User != user || p.DocType != datatypes.DocTypeThought || p.DocID == excludeDocID {
			continue
		}
		hits = append(hits, toHit(d, cosine(vector, d.vector), false))
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// FetchEmbeddings implements Index.
func (f *FakeIndex) FetchEmbeddings(_ context.Context, user string, window datatypes.TimeWindow, limit int) ([]Hit, error) {
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	if limit <= 0 || limit > MaxGraphDocs {
		limit = MaxGraphDocs
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var hits []Hit
	for _, d := range f.docs {
		p := d.props
		if p.User != user || p.DocType != datatypes.DocTypeThought {
			continue
		}
		if window.From > 0 && p.CreatedAtEpoch < window.From {
			continue
		}
		if window.To > 0 && p.CreatedAtEpoch > window.To {
			continue
		}
		hits = append(hits, toHit(d, 0, true))
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].DocID < hits[j].DocID })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
