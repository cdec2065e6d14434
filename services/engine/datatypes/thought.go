// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"regexp"
	"time"
)

// ThoughtKind classifies a captured artifact. Auto-detected at capture time
// when the caller does not supply one.
type ThoughtKind string

const (
	KindNote      ThoughtKind = "note"
	KindCode      ThoughtKind = "code"
	KindLink      ThoughtKind = "link"
	KindTodo      ThoughtKind = "todo"
	KindDecision  ThoughtKind = "decision"
	KindRationale ThoughtKind = "rationale"
)

// ValidThoughtKind reports whether k is one of the closed kind enum values.
func ValidThoughtKind(k ThoughtKind) bool {
	switch k {
	case KindNote, KindCode, KindLink, KindTodo, KindDecision, KindRationale:
		return true
	}
	return false
}

// Category is the indexer-derived topic bucket.
type Category string

const (
	CategoryEngineering Category = "engineering"
	CategoryDesign      Category = "design"
	CategoryProduct     Category = "product"
	CategoryPersonal    Category = "personal"
	CategoryLearning    Category = "learning"
	CategoryDecision    Category = "decision"
	CategoryOther       Category = "other"
)

// ValidCategory reports whether c is a known category; unknown LLM output is
// coerced to CategoryOther by the indexer.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryEngineering, CategoryDesign, CategoryProduct,
		CategoryPersonal, CategoryLearning, CategoryDecision, CategoryOther:
		return true
	}
	return false
}

// Intent is the indexer-derived purpose of a thought.
type Intent string

const (
	IntentNote           Intent = "note"
	IntentQuestion       Intent = "question"
	IntentDecision       Intent = "decision"
	IntentTodo           Intent = "todo"
	IntentIdea           Intent = "idea"
	IntentBugReport      Intent = "bug-report"
	IntentFeatureRequest Intent = "feature-request"
	IntentRationale      Intent = "rationale"
)

// ValidIntent reports whether i is a known intent.
func ValidIntent(i Intent) bool {
	switch i {
	case IntentNote, IntentQuestion, IntentDecision, IntentTodo,
		IntentIdea, IntentBugReport, IntentFeatureRequest, IntentRationale:
		return true
	}
	return false
}

// Text and tag limits enforced at capture.
const (
	MaxTextLength = 50_000
	MaxTags       = 20
	MaxTagLength  = 50
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidTag reports whether a single tag slug is well-formed.
func ValidTag(tag string) bool { return tagPattern.MatchString(tag) }

// CaptureContext is the optional ambient context recorded at capture time.
// Absent fields are omitted entirely; absence is not the empty string.
type CaptureContext struct {
	App         string `json:"app,omitempty"`
	WindowTitle string `json:"windowTitle,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Branch      string `json:"branch,omitempty"`
	File        string `json:"file,omitempty"`
}

// DerivedFields holds everything written exclusively by the indexer. The
// capture path never populates this struct.
type DerivedFields struct {
	Summary    string   `json:"summary,omitempty"`
	AutoTags   []string `json:"autoTags,omitempty"`
	Category   Category `json:"category,omitempty"`
	Intent     Intent   `json:"intent,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	RelatedIDs []string `json:"relatedIds,omitempty"`
	IndexedAt  int64    `json:"indexedAt,omitempty"`
}

// Thought is the authoritative metadata-store representation of a captured
// artifact. Timestamps are epoch milliseconds; CreatedAtISO mirrors CreatedAt
// for clients that want the string form without re-deriving it.
type Thought struct {
	ID           string          `json:"id"`
	User         string          `json:"user"`
	CreatedAt    int64           `json:"createdAt"`
	CreatedAtISO string          `json:"createdAtIso"`
	Text         string          `json:"text"`
	Kind         ThoughtKind     `json:"kind"`
	Tags         []string        `json:"tags,omitempty"`
	Context      *CaptureContext `json:"context,omitempty"`

	Derived *DerivedFields `json:"derived,omitempty"`

	DecisionScore     float64 `json:"decisionScore"`
	ContainsSensitive bool    `json:"containsSensitive,omitempty"`
	DeletedAt         int64   `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the thought has been soft-deleted.
func (t *Thought) IsDeleted() bool { return t.DeletedAt > 0 }

// CreatedTime returns the creation instant as a time.Time.
func (t *Thought) CreatedTime() time.Time {
	return time.UnixMilli(t.CreatedAt).UTC()
}

// AllTags returns user tags unified with indexer auto-tags, deduped,
// preserving first-seen order.
func (t *Thought) AllTags() []string {
	seen := make(map[string]struct{}, len(t.Tags))
	out := make([]string, 0, len(t.Tags))
	add := func(tags []string) {
		for _, tag := range tags {
			if tag == "" || tag == NoneSentinel {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	add(t.Tags)
	if t.Derived != nil {
		add(t.Derived.AutoTags)
	}
	return out
}

// RawThought is the blob-store form of a thought: the original text is kept
// alongside the sanitized text so a future re-index can re-derive from source.
// Blobs are server-side encrypted; this struct is never returned to clients.
type RawThought struct {
	ID            string          `json:"id"`
	User          string          `json:"user"`
	CreatedAt     int64           `json:"createdAt"`
	OriginalText  string          `json:"originalText"`
	SanitizedText string          `json:"sanitizedText"`
	Kind          ThoughtKind     `json:"kind"`
	Tags          []string        `json:"tags,omitempty"`
	Context       *CaptureContext `json:"context,omitempty"`
	DecisionScore float64         `json:"decisionScore"`
}

// NoneSentinel marks an empty set-typed column at the storage boundary. It is
// stripped on read and never surfaces to clients.
const NoneSentinel = "none"
