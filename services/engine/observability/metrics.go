// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the knowledge engine.
//
// # Description
//
// Metrics cover the three planes of the engine:
//   - HTTP requests (by route and status class)
//   - Index jobs (outcomes, queue latency, active workers)
//   - Model usage (completion/embedding calls, retrieval latency)
//
// Metrics are exposed on /metrics. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "recollect"

const engineSubsystem = "engine"

// EngineMetrics holds all Prometheus metrics for the engine. Initialize once
// at startup via InitMetrics; tests build isolated instances against their
// own registry with NewMetrics.
type EngineMetrics struct {
	// RequestsTotal counts HTTP requests.
	// Labels: route (capture, ask, graph, ...), status (2xx, 4xx, 5xx)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures end-to-end handler latency.
	// Labels: route
	RequestDurationSeconds *prometheus.HistogramVec

	// IndexJobsTotal counts index job outcomes.
	// Labels: kind (thought, conversation), outcome (indexed, retried, dead)
	IndexJobsTotal *prometheus.CounterVec

	// IndexJobDurationSeconds measures per-job processing time.
	// Labels: kind
	IndexJobDurationSeconds *prometheus.HistogramVec

	// ActiveIndexWorkers tracks in-flight job processors.
	ActiveIndexWorkers prometheus.Gauge

	// RetrievalDurationSeconds measures search latency, including the
	// embedding call and the vector store round trip.
	// Labels: path (hybrid, bm25, degraded)
	RetrievalDurationSeconds *prometheus.HistogramVec

	// ModelCallsTotal counts LLM API calls.
	// Labels: purpose (answer, summary, tags, label, embed), status
	ModelCallsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors surfaced to clients.
	// Labels: route, kind (validation, not-found, internal, ...)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *EngineMetrics

// InitMetrics registers all engine metrics with the default registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *EngineMetrics {
	DefaultMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	return DefaultMetrics
}

// NewMetrics registers an isolated instance against reg. Test helper.
func NewMetrics(reg prometheus.Registerer) *EngineMetrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *EngineMetrics {
	return &EngineMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end handler latency in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"route"},
		),

		IndexJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "index_jobs_total",
				Help:      "Index job outcomes by document kind",
			},
			[]string{"kind", "outcome"},
		),

		IndexJobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "index_job_duration_seconds",
				Help:      "Per-job processing time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		ActiveIndexWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_index_workers",
				Help:      "Number of index jobs currently being processed",
			},
		),

		RetrievalDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "retrieval_duration_seconds",
				Help:      "Search latency in seconds by query path",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"path"},
		),

		ModelCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "model_calls_total",
				Help:      "LLM API calls by purpose and status",
			},
			[]string{"purpose", "status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "errors_total",
				Help:      "Errors surfaced to clients by route and error kind",
			},
			[]string{"route", "kind"},
		),
	}
}

// JobOutcome labels one index job result.
type JobOutcome string

const (
	OutcomeIndexed JobOutcome = "indexed"
	OutcomeRetried JobOutcome = "retried"
	OutcomeDead    JobOutcome = "dead"
)

// ModelPurpose labels why an LLM call was made.
type ModelPurpose string

const (
	PurposeAnswer  ModelPurpose = "answer"
	PurposeSummary ModelPurpose = "summary"
	PurposeTags    ModelPurpose = "tags"
	PurposeLabel   ModelPurpose = "label"
	PurposeEmbed   ModelPurpose = "embed"
)

// RecordRequest records one completed HTTP request.
func (m *EngineMetrics) RecordRequest(route string, statusCode int, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, statusClass(statusCode)).Inc()
	m.RequestDurationSeconds.WithLabelValues(route).Observe(seconds)
}

// RecordError records one client-visible error.
func (m *EngineMetrics) RecordError(route, kind string) {
	m.ErrorsTotal.WithLabelValues(route, kind).Inc()
}

// RecordIndexJob records one index job outcome with its processing time.
func (m *EngineMetrics) RecordIndexJob(kind string, outcome JobOutcome, seconds float64) {
	m.IndexJobsTotal.WithLabelValues(kind, string(outcome)).Inc()
	m.IndexJobDurationSeconds.WithLabelValues(kind).Observe(seconds)
}

// WorkerStarted increments the active worker gauge.
func (m *EngineMetrics) WorkerStarted() { m.ActiveIndexWorkers.Inc() }

// WorkerEnded decrements the active worker gauge.
func (m *EngineMetrics) WorkerEnded() { m.ActiveIndexWorkers.Dec() }

// RecordRetrieval records one search round trip.
func (m *EngineMetrics) RecordRetrieval(path string, seconds float64) {
	m.RetrievalDurationSeconds.WithLabelValues(path).Observe(seconds)
}

// RecordModelCall records one LLM API call.
func (m *EngineMetrics) RecordModelCall(purpose ModelPurpose, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ModelCallsTotal.WithLabelValues(string(purpose), status).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
