// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

func TestSendReceiveDelete(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	job := datatypes.NewThoughtJob("t_1", "u1", "thoughts/u1/2025-06-01/t_1.json", 1)
	if err := q.Send(ctx, job); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Job.ThoughtID != "t_1" || msgs[0].Attempts != 1 {
		t.Errorf("message = %+v", msgs[0])
	}

	// Invisible while in flight.
	again, _ := q.Receive(ctx, 10)
	if len(again) != 0 {
		t.Errorf("in-flight message redelivered immediately")
	}

	if err := q.Delete(ctx, msgs[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if q.PendingLen() != 0 {
		t.Errorf("pending = %d after ack", q.PendingLen())
	}
}

func TestInvalidJobRejected(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	if err := q.Send(context.Background(), datatypes.IndexJob{ThoughtID: "t_1"}); err == nil {
		t.Error("expected error for job without user")
	}
}

func TestReportFailedRedelivers(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	if err := q.Send(ctx, datatypes.NewConversationJob("conv_1", "u1")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, _ := q.Receive(ctx, 1)
	if err := q.ReportFailed(ctx, []string{msgs[0].ID}); err != nil {
		t.Fatalf("ReportFailed: %v", err)
	}

	msgs, _ = q.Receive(ctx, 1)
	if len(msgs) != 1 || msgs[0].Attempts != 2 {
		t.Fatalf("redelivery attempts = %+v", msgs)
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	if err := q.Send(ctx, datatypes.NewThoughtJob("t_1", "u1", "k", 1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		msgs, err := q.Receive(ctx, 1)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("attempt %d: msgs=%v err=%v", attempt, msgs, err)
		}
		if msgs[0].Attempts != attempt {
			t.Errorf("attempt %d: Attempts=%d", attempt, msgs[0].Attempts)
		}
		if err := q.ReportFailed(ctx, []string{msgs[0].ID}); err != nil {
			t.Fatalf("ReportFailed: %v", err)
		}
	}

	if msgs, _ := q.Receive(ctx, 1); len(msgs) != 0 {
		t.Error("exhausted message redelivered")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ThoughtID != "t_1" {
		t.Errorf("dead letters = %+v", dead)
	}
}

func TestVisibilityTimeoutReclaim(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	if err := q.Send(ctx, datatypes.NewThoughtJob("t_1", "u1", "k", 1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, _ := q.Receive(ctx, 1)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}

	// Consumer crashes; the clock passes the visibility deadline.
	now = now.Add(2 * time.Minute)

	msgs, _ = q.Receive(ctx, 1)
	if len(msgs) != 1 {
		t.Fatal("expired message was not reclaimed")
	}
	if msgs[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", msgs[0].Attempts)
	}
}
