// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue defines the index queue feeding the asynchronous indexer.
// The contract is at-least-once delivery with per-message failure reporting:
// a received message stays invisible for the visibility timeout, is
// redelivered when reported failed (or when the timeout lapses), and lands
// on a dead-letter queue after MaxAttempts deliveries.
package queue

import (
	"context"
	"time"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// MaxAttempts is the delivery count after which a message is dead-lettered.
const MaxAttempts = 3

// DefaultVisibility must exceed the indexer's per-message budget (120s).
const DefaultVisibility = 150 * time.Second

// Message is one received queue entry. Attempts counts deliveries including
// this one.
type Message struct {
	ID       string
	Job      datatypes.IndexJob
	Attempts int
}

// IndexQueue is the queue contract. All methods are safe for concurrent use.
//
// # Description
//
// Send enqueues a job. Receive returns up to max messages, making each
// invisible for the configured visibility timeout; messages neither deleted
// nor reported failed reappear after the timeout. Delete acknowledges
// success. ReportFailed requeues immediately (partial-batch-failure
// contract) or dead-letters the message once MaxAttempts is exhausted.
type IndexQueue interface {
	Send(ctx context.Context, job datatypes.IndexJob) error
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, id string) error
	ReportFailed(ctx context.Context, ids []string) error
	Close() error
}
