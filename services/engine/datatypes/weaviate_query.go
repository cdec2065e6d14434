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

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil, carries GraphQL errors, or
//     fails to parse.
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response shape.
//   - Type mismatches result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("GraphQL error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// KnowledgeDocQueryResponse is the response shape for Get queries on the
// KnowledgeDoc class.
type KnowledgeDocQueryResponse struct {
	Get struct {
		KnowledgeDoc []KnowledgeDocResult `json:"KnowledgeDoc"`
	} `json:"Get"`
}

// KnowledgeDocResult is a single KnowledgeDoc hit.
type KnowledgeDocResult struct {
	DocID           string    `json:"doc_id"`
	DocType         string    `json:"doc_type"`
	User            string    `json:"user"`
	Text            string    `json:"text"`
	Summary         string    `json:"summary"`
	Tags            []string  `json:"tags"`
	Kind            string    `json:"kind"`
	Category        string    `json:"category"`
	Intent          string    `json:"intent"`
	Entities        []string  `json:"entities"`
	CreatedAtEpoch  float64   `json:"created_at_epoch"`
	UpdatedAtEpoch  float64   `json:"updated_at_epoch"`
	DecisionScore   float64   `json:"decision_score"`
	Title           string    `json:"title"`
	MessageCount    *int      `json:"message_count"`
	CitedThoughtIDs []string  `json:"cited_thought_ids"`
	Additional      struct {
		ID        string    `json:"id"`
		Score     *string   `json:"score"`
		Distance  *float32  `json:"distance"`
		Certainty *float32  `json:"certainty"`
		Vector    []float32 `json:"vector"`
	} `json:"_additional"`
}

// KnowledgeDocProperties is the write-side form of a KnowledgeDoc object.
type KnowledgeDocProperties struct {
	DocID           string
	DocType         string
	User            string
	Text            string
	Summary         string
	Tags            []string
	Kind            string
	Category        string
	Intent          string
	Entities        []string
	CreatedAtEpoch  int64
	UpdatedAtEpoch  int64
	DecisionScore   float64
	Title           string
	MessageCount    int
	CitedThoughtIDs []string
	Context         *CaptureContext
}

// ToMap converts the properties to the map form required by the Weaviate
// client's WithProperties(). Empty optional fields are omitted so the null
// index stays meaningful.
func (p *KnowledgeDocProperties) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"doc_id":           p.DocID,
		"doc_type":         p.DocType,
		"user":             p.User,
		"text":             p.Text,
		"summary":          p.Summary,
		"tags":             p.Tags,
		"kind":             p.Kind,
		"created_at_epoch": p.CreatedAtEpoch,
		"decision_score":   p.DecisionScore,
	}
	if p.Category != "" {
		m["category"] = p.Category
	}
	if p.Intent != "" {
		m["intent"] = p.Intent
	}
	if len(p.Entities) > 0 {
		m["entities"] = p.Entities
	}
	if p.UpdatedAtEpoch > 0 {
		m["updated_at_epoch"] = p.UpdatedAtEpoch
	}
	if p.DocType == DocTypeConversation {
		m["title"] = p.Title
		m["message_count"] = p.MessageCount
		if len(p.CitedThoughtIDs) > 0 {
			m["cited_thought_ids"] = p.CitedThoughtIDs
		}
	}
	if p.Context != nil {
		if p.Context.App != "" {
			m["context_app"] = p.Context.App
		}
		if p.Context.Repository != "" {
			m["context_repository"] = p.Context.Repository
		}
		if p.Context.File != "" {
			m["context_file"] = p.Context.File
		}
	}
	return m
}
