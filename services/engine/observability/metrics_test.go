// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *EngineMetrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest("capture", 201, 0.01)
	m.RecordRequest("capture", 201, 0.02)
	m.RecordRequest("capture", 400, 0.001)
	m.RecordRequest("ask", 500, 1.2)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("capture", "2xx")); got != 2 {
		t.Errorf("RequestsTotal[capture,2xx] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("capture", "4xx")); got != 1 {
		t.Errorf("RequestsTotal[capture,4xx] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ask", "5xx")); got != 1 {
		t.Errorf("RequestsTotal[ask,5xx] = %f, want 1", got)
	}
	if count := testutil.CollectAndCount(m.RequestDurationSeconds); count == 0 {
		t.Error("expected request duration observations to be collected")
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {201, "2xx"}, {304, "3xx"}, {404, "4xx"}, {429, "4xx"}, {500, "5xx"}, {503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestRecordIndexJob(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordIndexJob("thought", OutcomeIndexed, 0.4)
	m.RecordIndexJob("thought", OutcomeIndexed, 0.6)
	m.RecordIndexJob("thought", OutcomeRetried, 2.0)
	m.RecordIndexJob("conversation", OutcomeDead, 30.0)

	if got := testutil.ToFloat64(m.IndexJobsTotal.WithLabelValues("thought", "indexed")); got != 2 {
		t.Errorf("IndexJobsTotal[thought,indexed] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.IndexJobsTotal.WithLabelValues("thought", "retried")); got != 1 {
		t.Errorf("IndexJobsTotal[thought,retried] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.IndexJobsTotal.WithLabelValues("conversation", "dead")); got != 1 {
		t.Errorf("IndexJobsTotal[conversation,dead] = %f, want 1", got)
	}
}

func TestWorkerGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.WorkerStarted()
	m.WorkerStarted()
	if got := testutil.ToFloat64(m.ActiveIndexWorkers); got != 2 {
		t.Errorf("ActiveIndexWorkers = %f, want 2", got)
	}

	m.WorkerEnded()
	m.WorkerEnded()
	if got := testutil.ToFloat64(m.ActiveIndexWorkers); got != 0 {
		t.Errorf("ActiveIndexWorkers = %f, want 0", got)
	}
}

func TestRecordModelCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordModelCall(PurposeAnswer, nil)
	m.RecordModelCall(PurposeAnswer, errors.New("rate limited"))
	m.RecordModelCall(PurposeEmbed, nil)

	if got := testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("answer", "success")); got != 1 {
		t.Errorf("ModelCallsTotal[answer,success] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("answer", "error")); got != 1 {
		t.Errorf("ModelCallsTotal[answer,error] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("embed", "success")); got != 1 {
		t.Errorf("ModelCallsTotal[embed,success] = %f, want 1", got)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("ask", "validation")
	m.RecordError("ask", "validation")
	m.RecordError("graph", "internal")

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("ask", "validation")); got != 2 {
		t.Errorf("ErrorsTotal[ask,validation] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("graph", "internal")); got != 1 {
		t.Errorf("ErrorsTotal[graph,internal] = %f, want 1", got)
	}
}

func TestRecordRetrieval(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRetrieval("hybrid", 0.05)
	m.RecordRetrieval("bm25", 0.02)
	m.RecordRetrieval("degraded", 0.5)

	if count := testutil.CollectAndCount(m.RetrievalDurationSeconds); count != 3 {
		t.Errorf("expected 3 retrieval series, got %d", count)
	}
}

func TestConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordRequest("capture", 201, 0.01)
			m.RecordIndexJob("thought", OutcomeIndexed, 0.1)
			m.WorkerStarted()
			m.WorkerEnded()
			m.RecordModelCall(PurposeTags, nil)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("capture", "2xx")); got != 20 {
		t.Errorf("RequestsTotal[capture,2xx] = %f, want 20", got)
	}
	if got := testutil.ToFloat64(m.ActiveIndexWorkers); got != 0 {
		t.Errorf("ActiveIndexWorkers = %f, want 0", got)
	}
}
