// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusDeleted  ConversationStatus = "deleted"
)

// ValidConversationStatus reports whether s is a known status.
func ValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// MessageRole distinguishes the two sides of a dialog.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Conversation is the metadata-store representation of a chat session.
// MessageCount is maintained by atomic increment only; it always equals the
// number of live messages.
type Conversation struct {
	ID           string             `json:"id"`
	User         string             `json:"user"`
	Title        string             `json:"title"`
	Status       ConversationStatus `json:"status"`
	MessageCount int                `json:"messageCount"`
	CreatedAt    int64              `json:"createdAt"`
	UpdatedAt    int64              `json:"updatedAt"`
	IndexedAt    int64              `json:"indexedAt,omitempty"`
	DeletedAt    int64              `json:"deletedAt,omitempty"`
}

// DefaultConversationTitle builds the title used when the caller omits one.
func DefaultConversationTitle(at time.Time) string {
	return "Conversation " + at.UTC().Format("2006-01-02")
}

// Citation is a synthesizer reference to a retrieved thought. Score is
// min-max normalized to [0,1] across the emitted set and rounded to three
// decimals.
type Citation struct {
	ID        string      `json:"id"`
	CreatedAt int64       `json:"createdAt"`
	Preview   string      `json:"preview"`
	Score     float64     `json:"score"`
	Kind      ThoughtKind `json:"kind"`
	Tags      []string    `json:"tags,omitempty"`
}

// Message is the stored form of a conversation turn. Body is envelope
// ciphertext (base64); plaintext never touches the metadata store. The
// assistant-only fields are absent on user messages.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Body           string      `json:"body"`
	CreatedAt      int64       `json:"createdAt"`

	Citations          []Citation `json:"citations,omitempty"`
	SearchedThoughtIDs []string   `json:"searchedThoughtIds,omitempty"`
	Confidence         float64    `json:"confidence,omitempty"`
}

// PlainMessage is the decrypted, client-facing form of a Message.
type PlainMessage struct {
	ID                 string      `json:"id"`
	Role               MessageRole `json:"role"`
	Content            string      `json:"content"`
	CreatedAt          string      `json:"createdAt"`
	Citations          []Citation  `json:"citations,omitempty"`
	SearchedThoughtIDs []string    `json:"searchedThoughtIds,omitempty"`
	Confidence         float64     `json:"confidence,omitempty"`
}

// DecryptionSentinel replaces a message body whose envelope could not be
// opened during a batch read. The read continues; the failure is logged
// without the ciphertext.
const DecryptionSentinel = "[message unavailable]"
