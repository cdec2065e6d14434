// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Request DTOs for the HTTP surface. Each carries Validate and, where the
// spec gives defaults, EnsureDefaults. Handlers call both before touching a
// service.

// CaptureThoughtRequest is the body of POST /thoughts.
type CaptureThoughtRequest struct {
	Text      string          `json:"text"`
	Kind      ThoughtKind     `json:"type,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Context   *CaptureContext `json:"context,omitempty"`
	ID        string          `json:"id,omitempty"`
	CreatedAt int64           `json:"createdAt,omitempty"`
}

// Validate checks text bounds, tag syntax, the kind enum, and the optional
// idempotency id prefix.
func (r *CaptureThoughtRequest) Validate() error {
	if len(r.Text) == 0 {
		return NewError(KindValidation, "CaptureThoughtRequest.Validate", "text is required")
	}
	if len(r.Text) > MaxTextLength {
		return NewError(KindValidation, "CaptureThoughtRequest.Validate",
			fmt.Sprintf("text exceeds %d characters", MaxTextLength))
	}
	if r.Kind != "" && !ValidThoughtKind(r.Kind) {
		return NewError(KindValidation, "CaptureThoughtRequest.Validate",
			fmt.Sprintf("unknown type %q", r.Kind))
	}
	if len(r.Tags) > MaxTags {
		return NewError(KindValidation, "CaptureThoughtRequest.Validate",
			fmt.Sprintf("at most %d tags allowed", MaxTags))
	}
	for _, tag := range r.Tags {
		if !ValidTag(tag) {
			return NewError(KindValidation, "CaptureThoughtRequest.Validate",
				fmt.Sprintf("invalid tag %q", tag))
		}
	}
	if r.ID != "" && !strings.HasPrefix(r.ID, "t_") {
		return NewError(KindValidation, "CaptureThoughtRequest.Validate", "id must start with t_")
	}
	return nil
}

// ListThoughtsRequest is the parsed query of GET /thoughts.
type ListThoughtsRequest struct {
	From         int64
	To           int64
	Tag          string
	Kind         ThoughtKind
	Limit        int
	Cursor       string
	IncludeCount bool
}

// EnsureDefaults clamps the page size.
func (r *ListThoughtsRequest) EnsureDefaults() {
	if r.Limit <= 0 {
		r.Limit = 50
	}
	if r.Limit > 100 {
		r.Limit = 100
	}
}

// Validate checks the kind enum and tag syntax.
func (r *ListThoughtsRequest) Validate() error {
	if r.Kind != "" && !ValidThoughtKind(r.Kind) {
		return NewError(KindValidation, "ListThoughtsRequest.Validate",
			fmt.Sprintf("unknown type %q", r.Kind))
	}
	if r.Tag != "" && !ValidTag(r.Tag) {
		return NewError(KindValidation, "ListThoughtsRequest.Validate",
			fmt.Sprintf("invalid tag %q", r.Tag))
	}
	if r.To != 0 && r.From > r.To {
		return NewError(KindValidation, "ListThoughtsRequest.Validate", "from is after to")
	}
	return nil
}

// TimeWindow is either an absolute range or a human duration like "90d".
type TimeWindow struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

var humanWindowPattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

// ParseTimeWindow resolves a human window string ("90d", "2w", "6m", "1y")
// to an absolute range ending at now.
func ParseTimeWindow(s string, now time.Time) (TimeWindow, error) {
	m := humanWindowPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return TimeWindow{}, NewError(KindValidation, "ParseTimeWindow",
			fmt.Sprintf("unrecognized time window %q", s))
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return TimeWindow{}, NewError(KindValidation, "ParseTimeWindow",
			fmt.Sprintf("unrecognized time window %q", s))
	}
	var d time.Duration
	switch m[2] {
	case "d":
		d = time.Duration(n) * 24 * time.Hour
	case "w":
		d = time.Duration(n) * 7 * 24 * time.Hour
	case "m":
		d = time.Duration(n) * 30 * 24 * time.Hour
	case "y":
		d = time.Duration(n) * 365 * 24 * time.Hour
	}
	return TimeWindow{From: now.Add(-d).UnixMilli(), To: now.UnixMilli()}, nil
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Query      string   `json:"query"`
	TimeWindow string   `json:"timeWindow,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// EnsureDefaults clamps the citation limit.
func (r *AskRequest) EnsureDefaults() {
	if r.Limit <= 0 {
		r.Limit = 6
	}
	if r.Limit > 10 {
		r.Limit = 10
	}
}

// Validate checks the query, tags, and window syntax.
func (r *AskRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return NewError(KindValidation, "AskRequest.Validate", "query is required")
	}
	for _, tag := range r.Tags {
		if !ValidTag(tag) {
			return NewError(KindValidation, "AskRequest.Validate",
				fmt.Sprintf("invalid tag %q", tag))
		}
	}
	if r.TimeWindow != "" {
		if _, err := ParseTimeWindow(r.TimeWindow, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Title          string          `json:"title,omitempty"`
	InitialMessage string          `json:"initialMessage,omitempty"`
	Context        *CaptureContext `json:"context,omitempty"`
}

// Validate bounds the title and initial message.
func (r *CreateConversationRequest) Validate() error {
	if len(r.Title) > 200 {
		return NewError(KindValidation, "CreateConversationRequest.Validate", "title exceeds 200 characters")
	}
	if len(r.InitialMessage) > MaxTextLength {
		return NewError(KindValidation, "CreateConversationRequest.Validate",
			fmt.Sprintf("initialMessage exceeds %d characters", MaxTextLength))
	}
	return nil
}

// ListConversationsRequest is the parsed query of GET /conversations.
type ListConversationsRequest struct {
	Status ConversationStatus
	Limit  int
	Cursor string
}

// EnsureDefaults clamps the page size.
func (r *ListConversationsRequest) EnsureDefaults() {
	if r.Limit <= 0 {
		r.Limit = 20
	}
	if r.Limit > 100 {
		r.Limit = 100
	}
}

// Validate checks the status enum.
func (r *ListConversationsRequest) Validate() error {
	if r.Status != "" && !ValidConversationStatus(r.Status) {
		return NewError(KindValidation, "ListConversationsRequest.Validate",
			fmt.Sprintf("unknown status %q", r.Status))
	}
	return nil
}

// UpdateConversationRequest is the body of PUT /conversations/{id}.
type UpdateConversationRequest struct {
	Title  *string             `json:"title,omitempty"`
	Status *ConversationStatus `json:"status,omitempty"`
}

// Validate requires at least one field and a known status. The deleted
// status is reached through DELETE, not PUT.
func (r *UpdateConversationRequest) Validate() error {
	if r.Title == nil && r.Status == nil {
		return NewError(KindValidation, "UpdateConversationRequest.Validate", "nothing to update")
	}
	if r.Title != nil && (len(*r.Title) == 0 || len(*r.Title) > 200) {
		return NewError(KindValidation, "UpdateConversationRequest.Validate", "title must be 1-200 characters")
	}
	if r.Status != nil {
		if !ValidConversationStatus(*r.Status) || *r.Status == StatusDeleted {
			return NewError(KindValidation, "UpdateConversationRequest.Validate",
				fmt.Sprintf("status must be active or archived, got %q", *r.Status))
		}
	}
	return nil
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Content        string   `json:"content"`
	TimeWindow     string   `json:"timeWindow,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	IncludeHistory int      `json:"includeHistory,omitempty"`
}

// EnsureDefaults sets the history window.
func (r *SendMessageRequest) EnsureDefaults() {
	if r.IncludeHistory <= 0 {
		r.IncludeHistory = 10
	}
	if r.IncludeHistory > 50 {
		r.IncludeHistory = 50
	}
}

// Validate bounds the content and checks filters.
func (r *SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return NewError(KindValidation, "SendMessageRequest.Validate", "content is required")
	}
	if len(r.Content) > MaxTextLength {
		return NewError(KindValidation, "SendMessageRequest.Validate",
			fmt.Sprintf("content exceeds %d characters", MaxTextLength))
	}
	for _, tag := range r.Tags {
		if !ValidTag(tag) {
			return NewError(KindValidation, "SendMessageRequest.Validate",
				fmt.Sprintf("invalid tag %q", tag))
		}
	}
	if r.TimeWindow != "" {
		if _, err := ParseTimeWindow(r.TimeWindow, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// GraphRequest is the parsed query of GET /graph.
type GraphRequest struct {
	Month         string
	MinSimilarity float64
}

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// EnsureDefaults sets the similarity cutoff.
func (r *GraphRequest) EnsureDefaults() {
	if r.MinSimilarity <= 0 {
		r.MinSimilarity = 0.7
	}
}

// Validate checks the month shape and similarity range.
func (r *GraphRequest) Validate() error {
	if r.Month != "" && !monthPattern.MatchString(r.Month) {
		return NewError(KindValidation, "GraphRequest.Validate",
			fmt.Sprintf("month must be YYYY-MM, got %q", r.Month))
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return NewError(KindValidation, "GraphRequest.Validate", "minSimilarity must be in [0,1]")
	}
	return nil
}

// Window resolves the cache window key for the request.
func (r *GraphRequest) Window() string {
	if r.Month == "" {
		return "all"
	}
	return r.Month
}
