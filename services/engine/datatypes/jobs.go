// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// Index job wire format. Thought jobs omit the type field; conversation jobs
// carry type:"conversation". The s3Key name is kept for compatibility with
// existing queue consumers even though blobs live in GCS.

const JobTypeConversation = "conversation"

// IndexJob is the tagged union carried on the index queue.
type IndexJob struct {
	Type string `json:"type,omitempty"`

	// Thought job fields.
	ThoughtID string `json:"thoughtId,omitempty"`
	RawKey    string `json:"s3Key,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`

	// Conversation job fields.
	ConversationID string `json:"conversationId,omitempty"`

	User string `json:"user"`
}

// NewThoughtJob builds a thought index job.
func NewThoughtJob(thoughtID, user, rawKey string, createdAt int64) IndexJob {
	return IndexJob{ThoughtID: thoughtID, User: user, RawKey: rawKey, CreatedAt: createdAt}
}

// NewConversationJob builds a conversation re-index job.
func NewConversationJob(conversationID, user string) IndexJob {
	return IndexJob{Type: JobTypeConversation, ConversationID: conversationID, User: user}
}

// IsConversation reports whether the job targets a conversation.
func (j IndexJob) IsConversation() bool { return j.Type == JobTypeConversation }

// Validate checks that the union is well-formed for its tag.
func (j IndexJob) Validate() error {
	if j.User == "" {
		return fmt.Errorf("index job missing user")
	}
	if j.IsConversation() {
		if j.ConversationID == "" {
			return fmt.Errorf("conversation job missing conversationId")
		}
		return nil
	}
	if j.ThoughtID == "" || j.RawKey == "" {
		return fmt.Errorf("thought job missing thoughtId or s3Key")
	}
	return nil
}

// Marshal serializes the job for the queue.
func (j IndexJob) Marshal() ([]byte, error) { return json.Marshal(j) }

// UnmarshalIndexJob parses and validates a queue payload.
func UnmarshalIndexJob(data []byte) (IndexJob, error) {
	var j IndexJob
	if err := json.Unmarshal(data, &j); err != nil {
		return IndexJob{}, fmt.Errorf("malformed index job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return IndexJob{}, err
	}
	return j, nil
}
