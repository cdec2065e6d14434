// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store defines the metadata record store: a key-sorted pk/sk layout
// with two secondary indexes, conditional writes, and atomic read-modify
// updates. It is the single write-coordinator for all mutations; races on
// the same row are resolved here, never by callers re-reading.
package store

import (
	"context"
	"errors"
)

// Sentinel errors returned by every implementation. Callers branch on these
// with errors.Is and translate them into the service error taxonomy.
var (
	// ErrNotFound is returned by Get/Update/Delete-with-condition when the
	// row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConditionFailed is returned when a Put condition does not hold.
	// For CondNotExists this is the idempotent-duplicate signal.
	ErrConditionFailed = errors.New("condition failed")
)

// Condition guards a Put.
type Condition int

const (
	// CondNone writes unconditionally (last writer wins).
	CondNone Condition = iota

	// CondNotExists requires the row to be absent (create-once).
	CondNotExists

	// CondExists requires the row to be present (update-only).
	CondExists
)

// GSI selects a secondary index.
type GSI int

const (
	// GSI1 indexes thoughts by kind and time: gsi1pk=type#{kind},
	// gsi1sk=ts#{epochMs}.
	GSI1 GSI = iota + 1
	_
	// GSI3 indexes conversations by recency: gsi3pk=user#{user},
	// gsi3sk=updated#{epochMs}.
	GSI3
)

// Record is one row. Data is an opaque JSON value; the store never inspects
// it. GSI key pairs are optional; when set, the row is reachable through the
// corresponding index.
type Record struct {
	PK   string
	SK   string
	Data []byte

	GSI1PK string
	GSI1SK string
	GSI3PK string
	GSI3SK string
}

// Query describes a range scan. PK is the partition (a primary pk, or a GSI
// pk when used with QueryGSI). SKFrom, when set, bounds the sort key from
// below (inclusive). Cursor is an opaque token from a previous Page.
type Query struct {
	PK         string
	SKPrefix   string
	SKFrom     string
	SKTo       string
	Descending bool
	Limit      int
	Cursor     string
}

// Page is one result page. Cursor is set when HasMore.
type Page struct {
	Records []Record
	Cursor  string
	HasMore bool
}

// RecordStore is the metadata store contract.
//
// # Description
//
// Implementations provide serializable conditional writes and atomic
// read-modify updates; those two primitives are what the conversation state
// machine and capture idempotence are built on. All methods are safe for
// concurrent use.
//
// # Limitations
//
//   - Query scans a single partition; there is no cross-partition scan.
//   - Data is opaque; filtering beyond key ranges happens in the caller.
type RecordStore interface {
	// Put writes a record under the given condition. Returns
	// ErrConditionFailed when the condition does not hold. Replacing a
	// record re-points its secondary index entries.
	Put(ctx context.Context, rec Record, cond Condition) error

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, pk, sk string) (*Record, error)

	// Delete removes a record and its index entries. Missing rows are a
	// no-op.
	Delete(ctx context.Context, pk, sk string) error

	// BatchDelete removes up to 25 rows per chunk under one partition.
	BatchDelete(ctx context.Context, pk string, sks []string) error

	// Query scans a partition by sort-key range.
	Query(ctx context.Context, q Query) (*Page, error)

	// QueryGSI scans a secondary index. Returned records are the full
	// primary rows, loaded through the index pointers.
	QueryGSI(ctx context.Context, index GSI, q Query) (*Page, error)

	// Update atomically applies fn to an existing record inside one
	// transaction. fn receives a copy and returns the replacement; index
	// entries are re-pointed if fn changes GSI keys. Returns ErrNotFound
	// for missing rows. fn may be retried on transaction conflict and must
	// be side-effect free.
	Update(ctx context.Context, pk, sk string, fn func(rec Record) (Record, error)) error

	// Close flushes and releases the store.
	Close() error
}

// BatchDeleteChunk is the maximum number of rows removed per BatchDelete
// transaction.
const BatchDeleteChunk = 25
