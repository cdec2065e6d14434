// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Response DTOs for the HTTP surface. Timestamps are ISO-8601 strings unless
// a field name says epoch.

// CaptureThoughtResponse is returned by POST /thoughts with status 201.
type CaptureThoughtResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Message   string `json:"message,omitempty"`
}

// ListThoughtsResponse is returned by GET /thoughts.
type ListThoughtsResponse struct {
	Thoughts   []Thought `json:"thoughts"`
	Cursor     string    `json:"cursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
	TotalCount *int      `json:"totalCount,omitempty"`
}

// RelatedThoughtsResponse is returned by GET /thoughts/{id}/related.
type RelatedThoughtsResponse struct {
	ThoughtID string    `json:"thoughtId"`
	Related   []Thought `json:"related"`
	Count     int       `json:"count"`
}

// ConversationHit is a conversation surfaced alongside an answer. It carries
// the summary only, never message plaintext.
type ConversationHit struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Summary      string  `json:"summary,omitempty"`
	Score        float64 `json:"score"`
	MessageCount int     `json:"messageCount"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// AskResponse is returned by POST /ask.
type AskResponse struct {
	Answer           string            `json:"answer"`
	Citations        []Citation        `json:"citations"`
	ConversationHits []ConversationHit `json:"conversationHits,omitempty"`
	Confidence       float64           `json:"confidence"`
	ProcessingTime   int64             `json:"processingTime"`
}

// CreateConversationResponse is returned by POST /conversations.
type CreateConversationResponse struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt string         `json:"createdAt"`
	Messages  []PlainMessage `json:"messages,omitempty"`
}

// ConversationSummary is the list form of a conversation.
type ConversationSummary struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Status       ConversationStatus `json:"status"`
	MessageCount int                `json:"messageCount"`
	CreatedAt    string             `json:"createdAt"`
	UpdatedAt    string             `json:"updatedAt"`
}

// ListConversationsResponse is returned by GET /conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Cursor        string                `json:"cursor,omitempty"`
	HasMore       bool                  `json:"hasMore"`
}

// GetConversationResponse is returned by GET /conversations/{id}.
type GetConversationResponse struct {
	Conversation ConversationSummary `json:"conversation"`
	Messages     []PlainMessage      `json:"messages"`
	Cursor       string              `json:"cursor,omitempty"`
	HasMore      bool                `json:"hasMore"`
}

// MessageResponse acknowledges a mutation with a human-readable message.
type MessageResponse struct {
	Message string `json:"message"`
}

// SendMessageResponse is returned by POST /conversations/{id}/messages.
type SendMessageResponse struct {
	UserMessage      PlainMessage `json:"userMessage"`
	AssistantMessage PlainMessage `json:"assistantMessage"`
	ProcessingTime   int64        `json:"processingTime"`
}

// ExportConversation is a conversation with decrypted messages for sync.
type ExportConversation struct {
	Conversation ConversationSummary `json:"conversation"`
	Messages     []PlainMessage      `json:"messages"`
}

// ExportResponse is returned by GET /export.
type ExportResponse struct {
	Thoughts      []Thought            `json:"thoughts"`
	Conversations []ExportConversation `json:"conversations"`
	Deleted       []string             `json:"deleted"`
	SyncTimestamp int64                `json:"syncTimestamp"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
