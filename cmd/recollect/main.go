// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command recollect starts the knowledge engine.
//
// # Subcommands
//
//   - serve: the HTTP API server, plus an in-process index worker when no
//     external queue is configured
//   - worker: a standalone index worker draining the shared queue
//
// # Environment Variables
//
//   - RECOLLECT_PORT: HTTP server port (default: 8990)
//   - RECOLLECT_DATA_DIR: badger metadata store path (default: ./data/recollect)
//   - RECOLLECT_ENVELOPE_KEY: base64 32-byte message encryption key (required)
//   - WEAVIATE_SERVICE_URL: weaviate vector DB URL (optional)
//   - REDIS_ADDR: index queue address (optional)
//   - GCS_BUCKET / GCS_KEY_PATH: raw-thought archive (optional)
//   - LLM_BACKEND_TYPE: ollama or openai (default: ollama)
//   - OLLAMA_BASE_URL, OLLAMA_MODEL, OLLAMA_EMBEDDING_MODEL
//   - OPENAI_API_KEY, OPENAI_MODEL
//   - EMBEDDING_DIM: embedding dimensionality
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (default: localhost:4317)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recollect-labs/recollect/services/engine"
)

var rootCmd = &cobra.Command{
	Use:   "recollect",
	Short: "A personal knowledge engine: capture thoughts, ask them questions",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := configFromEnv()
		svc, err := engine.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		// Without an external queue the API and worker must share the
		// process or captured thoughts never get indexed.
		if cfg.RedisAddr == "" {
			go func() {
				if err := svc.RunWorker(ctx); err != nil && ctx.Err() == nil {
					slog.Error("in-process worker stopped", "error", err)
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- svc.Run() }()

		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case err := <-errCh:
			return err
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a standalone index worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := engine.New(ctx, configFromEnv())
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.RunWorker(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		slog.Info("worker stopped")
		return nil
	},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCmd.AddCommand(serveCmd, workerCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("recollect: %v", err)
	}
}

func configFromEnv() engine.Config {
	return engine.Config{
		Port:           getEnvInt("RECOLLECT_PORT", 0),
		DataDir:        os.Getenv("RECOLLECT_DATA_DIR"),
		EnvelopeKey:    os.Getenv("RECOLLECT_ENVELOPE_KEY"),
		WeaviateURL:    os.Getenv("WEAVIATE_SERVICE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		GCSBucket:      os.Getenv("GCS_BUCKET"),
		GCSKeyPath:     os.Getenv("GCS_KEY_PATH"),
		LLMBackend:     os.Getenv("LLM_BACKEND_TYPE"),
		OllamaURL:      os.Getenv("OLLAMA_BASE_URL"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		Model:          firstEnv("OLLAMA_MODEL", "OPENAI_MODEL"),
		EmbeddingModel: os.Getenv("OLLAMA_EMBEDDING_MODEL"),
		EmbeddingDim:   getEnvInt("EMBEDDING_DIM", 0),
		OTelEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		User:           os.Getenv("RECOLLECT_USER"),
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
