// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// Redis key shapes, under a configurable name prefix:
//
//	{name}:pending     list of ready envelopes (LPUSH producer, RPOP consumer)
//	{name}:inflight    hash id -> envelope, while a consumer holds the message
//	{name}:deadlines   zset id -> visibility deadline (unix ms)
//	{name}:dlq         list of exhausted envelopes
//
// Expired in-flight messages are reclaimed opportunistically at the top of
// every Receive, so a crashed worker's messages come back without a separate
// reaper process.

type envelope struct {
	ID       string             `json:"id"`
	Attempts int                `json:"attempts"`
	Job      datatypes.IndexJob `json:"job"`
}

// RedisConfig configures the redis-backed queue.
type RedisConfig struct {
	Addr       string
	Name       string
	Visibility time.Duration
	Logger     *slog.Logger
}

// RedisQueue implements IndexQueue on redis lists.
type RedisQueue struct {
	rdb        *goredis.Client
	name       string
	visibility time.Duration
	log        *slog.Logger
}

var _ IndexQueue = (*RedisQueue)(nil)

// NewRedisQueue connects and pings the redis instance.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.Name == "" {
		cfg.Name = "recollect:index"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisQueue{
		rdb:        rdb,
		name:       cfg.Name,
		visibility: cfg.Visibility,
		log:        cfg.Logger.With("component", "queue"),
	}, nil
}

func (q *RedisQueue) pendingKey() string   { return q.name + ":pending" }
func (q *RedisQueue) inflightKey() string  { return q.name + ":inflight" }
func (q *RedisQueue) deadlinesKey() string { return q.name + ":deadlines" }
func (q *RedisQueue) dlqKey() string       { return q.name + ":dlq" }

// Send implements IndexQueue.
func (q *RedisQueue) Send(ctx context.Context, job datatypes.IndexJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	env := envelope{ID: uuid.New().String(), Job: job}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return fmt.Errorf("queue send: %w", err)
	}
	return nil
}

// Receive implements IndexQueue.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	if err := q.reclaimExpired(ctx); err != nil {
		q.log.Warn("failed to reclaim expired messages", "error", err)
	}

	var out []Message
	for len(out) < max {
		raw, err := q.rdb.RPop(ctx, q.pendingKey()).Bytes()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("queue receive: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			q.log.Error("dropping malformed queue payload", "error", err)
			continue
		}
		env.Attempts++
		updated, err := json.Marshal(env)
		if err != nil {
			return out, err
		}
		deadline := time.Now().Add(q.visibility).UnixMilli()
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.inflightKey(), env.ID, updated)
		pipe.ZAdd(ctx, q.deadlinesKey(), goredis.Z{Score: float64(deadline), Member: env.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return out, fmt.Errorf("queue receive: %w", err)
		}
		out = append(out, Message{ID: env.ID, Job: env.Job, Attempts: env.Attempts})
	}
	return out, nil
}

// reclaimExpired moves messages whose visibility deadline passed back to
// pending, or to the DLQ once their attempts are exhausted.
func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.deadlinesKey(), &goredis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := q.requeueOrDeadLetter(ctx, id, "visibility timeout"); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) requeueOrDeadLetter(ctx context.Context, id, reason string) error {
	raw, err := q.rdb.HGet(ctx, q.inflightKey(), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		// Already deleted by its consumer; just drop the deadline.
		return q.rdb.ZRem(ctx, q.deadlinesKey(), id).Err()
	}
	if err != nil {
		return err
	}

	var env envelope
	exhausted := false
	if uerr := json.Unmarshal(raw, &env); uerr != nil {
		exhausted = true
	} else {
		exhausted = env.Attempts >= MaxAttempts
	}

	pipe := q.rdb.TxPipeline()
	if exhausted {
		pipe.LPush(ctx, q.dlqKey(), raw)
	} else {
		pipe.LPush(ctx, q.pendingKey(), raw)
	}
	pipe.HDel(ctx, q.inflightKey(), id)
	pipe.ZRem(ctx, q.deadlinesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if exhausted {
		q.log.Warn("message dead-lettered",
			"message_id", id,
			"attempts", env.Attempts,
			"reason", reason,
		)
	}
	return nil
}

// Delete implements IndexQueue.
func (q *RedisQueue) Delete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.inflightKey(), id)
	pipe.ZRem(ctx, q.deadlinesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	return nil
}

// ReportFailed implements IndexQueue.
func (q *RedisQueue) ReportFailed(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := q.requeueOrDeadLetter(ctx, id, "reported failed"); err != nil {
			return err
		}
	}
	return nil
}

// Close implements IndexQueue.
func (q *RedisQueue) Close() error { return q.rdb.Close() }
