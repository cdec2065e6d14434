// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("recollect.llm.ollama")

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
}

// OllamaClient implements Client and Embedder against a local Ollama server.
type OllamaClient struct {
	httpClient   *http.Client
	baseURL      string
	model        string
	embedModel   string
	embeddingDim int
}

var (
	_ Client   = (*OllamaClient)(nil)
	_ Embedder = (*OllamaClient)(nil)
)

// NewOllamaClient validates the configuration and builds the client.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("Ollama base URL not set")
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "mxbai-embed-large"
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 1024
	}

	slog.Info("Initializing Ollama client",
		"base_url", cfg.BaseURL,
		"model", cfg.Model,
		"embedding_model", cfg.EmbeddingModel,
	)
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		model:        cfg.Model,
		embedModel:   cfg.EmbeddingModel,
		embeddingDim: cfg.EmbeddingDim,
	}, nil
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaChatMessage    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Complete implements Client.
func (o *OllamaClient) Complete(ctx context.Context, system, user string, params GenerationParams) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  false,
		Options: options,
	}

	var resp ollamaChatResponse
	if err := o.post(ctx, "/api/chat", reqBody, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	return resp.Message.Content, nil
}

// Embed implements Embedder.
func (o *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.embedding_model", o.embedModel),
		attribute.Int("llm.input_count", len(texts)),
	)

	var resp ollamaEmbedResponse
	err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: o.embedModel, Input: texts}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Dim implements Embedder.
func (o *OllamaClient) Dim() int { return o.embeddingDim }

func (o *OllamaClient) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ollama request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read Ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Ollama %s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	return nil
}
