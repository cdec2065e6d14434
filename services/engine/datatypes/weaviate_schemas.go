// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// KnowledgeDocClass is the single Weaviate class holding both thought and
// conversation documents, discriminated by doc_type. Vectors are supplied by
// the indexer; the class has no vectorizer of its own.
const KnowledgeDocClass = "KnowledgeDoc"

// DocType values for the doc_type discriminator.
const (
	DocTypeThought      = "thought"
	DocTypeConversation = "conversation"
)

func GetKnowledgeDocSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       KnowledgeDocClass,
		Description: "A user's indexed thought or conversation, discriminated by doc_type.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "doc_id",
				DataType:        []string{"text"},
				Description:     "The thought or conversation id this document mirrors.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "doc_type",
				DataType:        []string{"text"},
				Description:     "Discriminator: 'thought' or 'conversation'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user",
				DataType:        []string{"text"},
				Description:     "Owning user id. Every query filters on this.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "Sanitized thought text, or the conversation transcript.",
				Tokenization: "word",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "One-sentence summary produced by the indexer.",
				Tokenization: "word",
			},
			{
				Name:            "tags",
				DataType:        []string{"text[]"},
				Description:     "Unified user and auto tags.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "kind",
				DataType:        []string{"text"},
				Description:     "Thought kind (note, code, link, todo, decision, rationale).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Indexer-derived topic category.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "intent",
				DataType:        []string{"text"},
				Description:     "Indexer-derived intent.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "entities",
				DataType:    []string{"text[]"},
				Description: "Named entities extracted by the indexer (at most 3).",
			},
			{
				Name:            "created_at_epoch",
				DataType:        []string{"number"},
				Description:     "Creation instant in Unix milliseconds.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at_epoch",
				DataType:        []string{"number"},
				Description:     "Last update instant in Unix milliseconds (conversations).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "decision_score",
				DataType:        []string{"number"},
				Description:     "Capture-time decision heuristic in [0,1].",
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Conversation title (conversation documents only).",
				Tokenization: "word",
			},
			{
				Name:            "message_count",
				DataType:        []string{"int"},
				Description:     "Live message count (conversation documents only).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "cited_thought_ids",
				DataType:        []string{"text[]"},
				Description:     "Thought ids cited anywhere in the conversation.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "context_app",
				DataType:        []string{"text"},
				Description:     "Capture context: application name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "context_repository",
				DataType:        []string{"text"},
				Description:     "Capture context: repository.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "context_file",
				DataType:        []string{"text"},
				Description:     "Capture context: file path.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureWeaviateSchema creates the KnowledgeDoc class if it does not exist.
// Called once at startup; an existing class is left untouched.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetKnowledgeDocSchema()
	slog.Info("Checking schema", "class", class.Class)

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}
