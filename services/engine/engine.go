// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine wires the knowledge engine together: storage, queue,
// vector index, LLM backends, and the HTTP surface.
//
// # Usage
//
//	cfg := engine.Config{Port: 8990, LLMBackend: "ollama"}
//	svc, err := engine.New(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// The same Service can run the API server (Run) or the index worker
// (RunWorker); a single local process typically runs both.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/capture"
	"github.com/recollect-labs/recollect/services/engine/convo"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/envelope"
	"github.com/recollect-labs/recollect/services/engine/indexer"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/observability"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/routes"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/synthesis"
	"github.com/recollect-labs/recollect/services/engine/themegraph"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

// Config holds engine configuration. Zero values use local-mode defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8990.
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// DataDir is the badger metadata store path. Default: ./data/recollect.
	DataDir string

	// WeaviateURL is the vector database URL. Empty runs an in-memory
	// index: fine for development, wiped on restart.
	WeaviateURL string

	// RedisAddr is the index queue address. Empty runs an in-process
	// queue, which only works when API and worker share the process.
	RedisAddr string

	// GCSBucket is the raw-thought archive bucket. Empty keeps raw
	// payloads in process memory.
	GCSBucket string
	// GCSKeyPath is an optional service account key file.
	GCSKeyPath string

	// LLMBackend selects the provider: "ollama" (default) or "openai".
	LLMBackend string
	// OllamaURL is the Ollama server, required for the ollama backend.
	OllamaURL string
	// OpenAIKey is required for the openai backend.
	OpenAIKey string
	// Model overrides the provider's default chat model.
	Model string
	// EmbeddingModel overrides the provider's default embedding model.
	EmbeddingModel string
	// EmbeddingDim is the embedding dimensionality.
	EmbeddingDim int

	// EnvelopeKey is the base64-encoded 32-byte message encryption key.
	// Required: conversations cannot be stored without it.
	EnvelopeKey string

	// APIKeys maps api keys to user ids. Empty means single-user mode.
	APIKeys map[string]string
	// User is the fixed identity for single-user mode. Default: "local".
	User string

	// OTelEndpoint is the trace collector. Default: localhost:4317.
	OTelEndpoint string

	// EnableMetrics exposes /metrics. Default: true.
	EnableMetrics bool

	// Worker tunes the index worker loop.
	Worker indexer.Config
}

// Service is the engine lifecycle contract.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// RunWorker drains the index queue until ctx is canceled.
	RunWorker(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases storage, queue, and tracer resources.
	Close()
}

type service struct {
	config Config
	router *gin.Engine

	store    *store.BadgerStore
	blob     blob.Store
	queue    queue.IndexQueue
	index    vectorindex.Index
	client   llm.Client
	embedder llm.Embedder
	envelope *envelope.Envelope

	capture   *capture.Service
	retrieval *retrieval.Engine
	synth     *synthesis.Synthesizer
	convo     *convo.Service
	graph     *themegraph.Builder

	tracerCleanup func(context.Context)
}

// New wires the engine from configuration. Every external dependency is
// optional except the envelope key; missing ones degrade to in-process
// substitutes with a logged warning.
func New(ctx context.Context, cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	env, err := envelope.NewFromBase64(s.config.EnvelopeKey)
	if err != nil {
		return nil, fmt.Errorf("envelope key: %w", err)
	}
	s.envelope = env

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	if err := s.initStorage(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initLLM(); err != nil {
		s.Close()
		return nil, err
	}

	s.capture = capture.New(s.store, s.blob, s.queue)
	s.retrieval = retrieval.NewEngine(s.index, s.embedder)
	s.synth = synthesis.New(s.client)
	s.convo = convo.New(s.store, s.envelope, s.retrieval, s.synth, s.queue, s.index)
	s.graph = themegraph.New(s.index, s.blob, s.store, s.client)

	s.initRouter()
	return s, nil
}

// Run implements Service.
func (s *service) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting engine server", "port", s.config.Port)
	return s.router.Run(addr)
}

// RunWorker implements Service.
func (s *service) RunWorker(ctx context.Context) error {
	worker := indexer.New(s.config.Worker, s.queue, s.blob, s.store, s.index,
		s.client, s.embedder, s.envelope)
	return worker.Run(ctx)
}

// Router implements Service.
func (s *service) Router() *gin.Engine { return s.router }

// Close implements Service.
func (s *service) Close() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			slog.Warn("queue close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8990
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/recollect"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	cfg.EnableMetrics = true
	return cfg
}

func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("recollect-engine")))
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func (s *service) initStorage(ctx context.Context) error {
	rs, err := store.Open(store.DefaultConfig(s.config.DataDir))
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	s.store = rs

	if s.config.GCSBucket != "" {
		gcs, err := blob.NewGCSStore(ctx, s.config.GCSBucket, s.config.GCSKeyPath)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		s.blob = gcs
	} else {
		slog.Warn("no GCS bucket configured, raw thoughts held in memory only")
		s.blob = blob.NewMemoryStore()
	}

	if s.config.RedisAddr != "" {
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{Addr: s.config.RedisAddr})
		if err != nil {
			return fmt.Errorf("index queue: %w", err)
		}
		s.queue = q
	} else {
		slog.Warn("no redis configured, using in-process index queue")
		s.queue = queue.NewMemoryQueue(0)
	}

	return s.initVectorIndex(ctx)
}

func (s *service) initVectorIndex(ctx context.Context) error {
	raw := strings.Trim(s.config.WeaviateURL, "\"' ")
	if raw == "" {
		slog.Warn("no weaviate configured, using in-memory vector index")
		s.index = vectorindex.NewFakeIndex()
		return nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid weaviate URL %q", raw)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return fmt.Errorf("weaviate client: %w", err)
	}
	if err := datatypes.EnsureWeaviateSchema(ctx, client); err != nil {
		return fmt.Errorf("weaviate schema: %w", err)
	}
	s.index = vectorindex.NewWeaviateIndex(client)
	slog.Info("weaviate index initialized", "url", raw)
	return nil
}

func (s *service) initLLM() error {
	switch s.config.LLMBackend {
	case "openai":
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         s.config.OpenAIKey,
			Model:          s.config.Model,
			EmbeddingModel: s.config.EmbeddingModel,
			EmbeddingDim:   s.config.EmbeddingDim,
		})
		if err != nil {
			return fmt.Errorf("openai client: %w", err)
		}
		s.client, s.embedder = client, client
	case "ollama":
		client, err := llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:        s.config.OllamaURL,
			Model:          s.config.Model,
			EmbeddingModel: s.config.EmbeddingModel,
			EmbeddingDim:   s.config.EmbeddingDim,
		})
		if err != nil {
			return fmt.Errorf("ollama client: %w", err)
		}
		s.client, s.embedder = client, client
	default:
		return fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}
	slog.Info("LLM backend initialized", "backend", s.config.LLMBackend)
	return nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	} else if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("recollect-engine"))

	var authenticator middleware.Authenticator
	if len(s.config.APIKeys) > 0 {
		authenticator = &middleware.StaticKeys{Users: s.config.APIKeys}
	} else {
		authenticator = &middleware.SingleUser{User: s.config.User}
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Capture:       s.capture,
		Convo:         s.convo,
		Retrieval:     s.retrieval,
		Synth:         s.synth,
		Graph:         s.graph,
		Index:         s.index,
		Authenticator: authenticator,
	})
}
