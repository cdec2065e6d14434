// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout inside badger:
//
//	r|{pk}|{sk}                          primary row (JSON-encoded Record)
//	g1|{gsi1pk}|{gsi1sk}|{pk}|{sk}       GSI1 pointer (empty value)
//	g3|{gsi3pk}|{gsi3sk}|{pk}|{sk}       GSI3 pointer (empty value)
//
// The pipe separator never appears in pk/sk values (they use '#'), so
// pointer keys parse unambiguously. Zero-padded epochs in sort keys make
// lexicographic iteration equal to time order.

const (
	primaryPrefix = "r|"
	gsi1Prefix    = "g1|"
	gsi3Prefix    = "g3|"
)

// Config holds configuration for the badger-backed store.
type Config struct {
	// Path is the directory for badger files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and periodic GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements RecordStore on an embedded badger database.
type BadgerStore struct {
	db       *badger.DB
	gcCancel context.CancelFunc
}

var _ RecordStore = (*BadgerStore)(nil)

// Open creates and opens a badger-backed store.
//
// # Description
//
// Opens (or creates) the database directory, installs the slog adapter, and
// starts the GC loop if configured. The caller owns the lifecycle and must
// call Close.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		go s.runGC(gcCtx, cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(ctx context.Context, interval time.Duration, discardRatio float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// RunValueLogGC returns an error when there is nothing to
			// collect; that is the normal idle case.
			for s.db.RunValueLogGC(discardRatio) == nil {
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcCancel != nil {
		s.gcCancel()
	}
	return s.db.Close()
}

func primaryKey(pk, sk string) []byte {
	return []byte(primaryPrefix + pk + "|" + sk)
}

func gsiPrefixFor(index GSI) (string, error) {
	switch index {
	case GSI1:
		return gsi1Prefix, nil
	case GSI3:
		return gsi3Prefix, nil
	}
	return "", fmt.Errorf("unknown index %d", index)
}

func pointerKeys(rec Record) [][]byte {
	var keys [][]byte
	if rec.GSI1PK != "" && rec.GSI1SK != "" {
		keys = append(keys, []byte(gsi1Prefix+rec.GSI1PK+"|"+rec.GSI1SK+"|"+rec.PK+"|"+rec.SK))
	}
	if rec.GSI3PK != "" && rec.GSI3SK != "" {
		keys = append(keys, []byte(gsi3Prefix+rec.GSI3PK+"|"+rec.GSI3SK+"|"+rec.PK+"|"+rec.SK))
	}
	return keys
}

// parsePointerKey extracts the primary pk/sk from a GSI pointer key.
func parsePointerKey(key string) (pk, sk string, err error) {
	parts := strings.SplitN(key, "|", 5)
	if len(parts) != 5 {
		return "", "", fmt.Errorf("malformed index pointer %q", key)
	}
	return parts[3], parts[4], nil
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt record: %w", err)
	}
	return rec, nil
}

// writeRecord sets the row and its pointers, removing stale pointers from a
// previous version. Runs inside the caller's transaction.
func writeRecord(txn *badger.Txn, rec Record, prev *Record) error {
	if prev != nil {
		for _, key := range pointerKeys(*prev) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := txn.Set(primaryKey(rec.PK, rec.SK), data); err != nil {
		return err
	}
	for _, key := range pointerKeys(rec) {
		if err := txn.Set(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func getRecord(txn *badger.Txn, pk, sk string) (*Record, error) {
	item, err := txn.Get(primaryKey(pk, sk))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decodeRecord(val)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// deleteRecord removes a row and its pointers. Missing rows are a no-op.
func deleteRecord(txn *badger.Txn, pk, sk string) error {
	prev, err := getRecord(txn, pk, sk)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, key := range pointerKeys(*prev) {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return txn.Delete(primaryKey(pk, sk))
}

// withRetry runs fn in a read-write transaction, retrying on optimistic
// conflicts.
func (s *BadgerStore) withRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Put implements RecordStore.
func (s *BadgerStore) Put(ctx context.Context, rec Record, cond Condition) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("record requires pk and sk")
	}
	return s.withRetry(ctx, func(txn *badger.Txn) error {
		prev, err := getRecord(txn, rec.PK, rec.SK)
		switch {
		case errors.Is(err, ErrNotFound):
			if cond == CondExists {
				return ErrConditionFailed
			}
			return writeRecord(txn, rec, nil)
		case err != nil:
			return err
		default:
			if cond == CondNotExists {
				return ErrConditionFailed
			}
			return writeRecord(txn, rec, prev)
		}
	})
}

// Get implements RecordStore.
func (s *BadgerStore) Get(ctx context.Context, pk, sk string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var gerr error
		rec, gerr = getRecord(txn, pk, sk)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete implements RecordStore.
func (s *BadgerStore) Delete(ctx context.Context, pk, sk string) error {
	return s.withRetry(ctx, func(txn *badger.Txn) error {
		return deleteRecord(txn, pk, sk)
	})
}

// BatchDelete implements RecordStore. Rows are removed in chunks of
// BatchDeleteChunk, one transaction per chunk.
func (s *BadgerStore) BatchDelete(ctx context.Context, pk string, sks []string) error {
	for start := 0; start < len(sks); start += BatchDeleteChunk {
		end := start + BatchDeleteChunk
		if end > len(sks) {
			end = len(sks)
		}
		chunk := sks[start:end]
		err := s.withRetry(ctx, func(txn *badger.Txn) error {
			for _, sk := range chunk {
				if err := deleteRecord(txn, pk, sk); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Update implements RecordStore.
func (s *BadgerStore) Update(ctx context.Context, pk, sk string, fn func(rec Record) (Record, error)) error {
	return s.withRetry(ctx, func(txn *badger.Txn) error {
		prev, err := getRecord(txn, pk, sk)
		if err != nil {
			return err
		}
		next, err := fn(*prev)
		if err != nil {
			return err
		}
		if next.PK != pk || next.SK != sk {
			return errors.New("update must not change the record key")
		}
		return writeRecord(txn, next, prev)
	})
}

// Query implements RecordStore.
func (s *BadgerStore) Query(ctx context.Context, q Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(primaryPrefix + q.PK + "|" + q.SKPrefix)
	page := &Page{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, q, func(key []byte, item *badger.Item) (bool, error) {
			sk := strings.TrimPrefix(string(key), primaryPrefix+q.PK+"|")
			if !skInRange(sk, q) {
				return true, nil
			}
			var rec Record
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = decodeRecord(val)
				return derr
			})
			if err != nil {
				return false, err
			}
			return appendToPage(page, rec, key, q.Limit), nil
		})
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// QueryGSI implements RecordStore. The index stores pointers only; each hit
// is resolved to its primary row inside the same snapshot.
func (s *BadgerStore) QueryGSI(ctx context.Context, index GSI, q Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gp, err := gsiPrefixFor(index)
	if err != nil {
		return nil, err
	}
	prefix := []byte(gp + q.PK + "|" + q.SKPrefix)
	page := &Page{}
	err = s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, q, func(key []byte, _ *badger.Item) (bool, error) {
			gsk := strings.TrimPrefix(string(key), gp+q.PK+"|")
			// The pointer suffix carries pk|sk; strip it before the range check.
			if i := strings.Index(gsk, "|"); i >= 0 {
				gsk = gsk[:i]
			}
			if !skInRange(gsk, q) {
				return true, nil
			}
			pk, sk, perr := parsePointerKey(string(key))
			if perr != nil {
				return false, perr
			}
			rec, gerr := getRecord(txn, pk, sk)
			if errors.Is(gerr, ErrNotFound) {
				// Dangling pointer from a crashed delete; skip it.
				return true, nil
			}
			if gerr != nil {
				return false, gerr
			}
			return appendToPage(page, *rec, key, q.Limit), nil
		})
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// scan iterates keys under prefix in the requested direction, resuming past
// the query cursor. visit returns false to stop the scan.
func scan(txn *badger.Txn, prefix []byte, q Query, visit func(key []byte, item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = q.Descending
	it := txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if q.Descending {
		// Seek to the end of the prefix range.
		start = append(append([]byte{}, prefix...), 0xFF)
	}
	var after []byte
	if q.Cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(q.Cursor)
		if err != nil {
			return fmt.Errorf("malformed cursor")
		}
		after = decoded
		start = decoded
	}

	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if after != nil && bytes.Equal(key, after) {
			continue
		}
		ok, err := visit(key, item)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// skInRange applies the optional sort-key bounds.
func skInRange(sk string, q Query) bool {
	if q.SKFrom != "" && sk < q.SKFrom {
		return false
	}
	if q.SKTo != "" && sk > q.SKTo {
		return false
	}
	return true
}

// appendToPage adds a record, flipping to HasMore once the limit is hit.
// Returns false to stop the scan.
func appendToPage(page *Page, rec Record, key []byte, limit int) bool {
	if limit > 0 && len(page.Records) >= limit {
		page.HasMore = true
		return false
	}
	page.Records = append(page.Records, rec)
	if limit > 0 && len(page.Records) == limit {
		page.Cursor = base64.RawURLEncoding.EncodeToString(key)
	}
	return true
}
