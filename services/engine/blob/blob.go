// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package blob abstracts the raw object store holding thought blobs and
// cached theme graphs. Blobs are write-once per key in practice; overwriting
// is safe and last-writer-wins.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Store is the object-store contract.
type Store interface {
	// Put writes data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Missing keys are a no-op; the graph cache
	// relies on delete-as-cache-miss being lazy and cheap.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying client.
	Close() error
}
