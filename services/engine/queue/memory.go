// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// MemoryQueue is an in-process IndexQueue for tests and local development.
// It implements the same at-least-once semantics as the redis queue,
// including visibility timeouts and the dead-letter list.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []envelope
	inflight   map[string]envelope
	deadlines  map[string]time.Time
	dead       []envelope
	visibility time.Duration

	// now is swappable so tests can expire visibility without sleeping.
	now func() time.Time
}

var _ IndexQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue with the given visibility timeout.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &MemoryQueue{
		inflight:   make(map[string]envelope),
		deadlines:  make(map[string]time.Time),
		visibility: visibility,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Send implements IndexQueue.
func (q *MemoryQueue) Send(_ context.Context, job datatypes.IndexJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, envelope{ID: uuid.New().String(), Job: job})
	return nil
}

// Receive implements IndexQueue.
func (q *MemoryQueue) Receive(_ context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimExpiredLocked()

	var out []Message
	for len(out) < max && len(q.pending) > 0 {
		env := q.pending[0]
		q.pending = q.pending[1:]
		env.Attempts++
		q.inflight[env.ID] = env
		q.deadlines[env.ID] = q.now().Add(q.visibility)
		out = append(out, Message{ID: env.ID, Job: env.Job, Attempts: env.Attempts})
	}
	return out, nil
}

func (q *MemoryQueue) reclaimExpiredLocked() {
	now := q.now()
	for id, deadline := range q.deadlines {
		if deadline.After(now) {
			continue
		}
		env, ok := q.inflight[id]
		delete(q.inflight, id)
		delete(q.deadlines, id)
		if !ok {
			continue
		}
		if env.Attempts >= MaxAttempts {
			q.dead = append(q.dead, env)
		} else {
			q.pending = append(q.pending, env)
		}
	}
}

// Delete implements IndexQueue.
func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	delete(q.deadlines, id)
	return nil
}

// ReportFailed implements IndexQueue.
func (q *MemoryQueue) ReportFailed(_ context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		env, ok := q.inflight[id]
		if !ok {
			continue
		}
		delete(q.inflight, id)
		delete(q.deadlines, id)
		if env.Attempts >= MaxAttempts {
			q.dead = append(q.dead, env)
		} else {
			q.pending = append(q.pending, env)
		}
	}
	return nil
}

// Close implements IndexQueue.
func (q *MemoryQueue) Close() error { return nil }

// DeadLetters returns the jobs that exhausted their attempts. Test helper.
func (q *MemoryQueue) DeadLetters() []datatypes.IndexJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]datatypes.IndexJob, len(q.dead))
	for i, env := range q.dead {
		out[i] = env.Job
	}
	return out
}

// PendingLen reports the number of ready messages. Test helper.
func (q *MemoryQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
