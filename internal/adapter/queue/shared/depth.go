// Package shared holds queue plumbing common to broker and in-process modes:
// depth accounting for backpressure and the broker-to-memory fallback.
package shared

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/domain"
)

// DepthTracker counts outstanding jobs per logical queue in Redis so that
// every server replica sees the same depth. Implements domain.QueueDepth.
type DepthTracker struct {
	rdb *redis.Client
}

// NewDepthTracker wraps a Redis client.
func NewDepthTracker(rdb *redis.Client) *DepthTracker {
	return &DepthTracker{rdb: rdb}
}

func depthKey(kind domain.JobKind) string { return "queue:depth:" + string(kind) }

// Incr records one enqueued job.
func (t *DepthTracker) Incr(ctx domain.Context, kind domain.JobKind) {
	n, err := t.rdb.Incr(ctx, depthKey(kind)).Result()
	if err != nil {
		return
	}
	observability.QueueDepth.WithLabelValues(string(kind)).Set(float64(n))
}

// Decr records one completed or dead-lettered job. The counter never goes
// negative; crashed workers are reconciled by the expire sweep re-enqueueing.
func (t *DepthTracker) Decr(ctx domain.Context, kind domain.JobKind) {
	n, err := t.rdb.Decr(ctx, depthKey(kind)).Result()
	if err != nil {
		return
	}
	if n < 0 {
		_ = t.rdb.Set(ctx, depthKey(kind), 0, 0).Err()
		n = 0
	}
	observability.QueueDepth.WithLabelValues(string(kind)).Set(float64(n))
}

// Depth returns the approximate outstanding depth for a queue kind.
func (t *DepthTracker) Depth(ctx domain.Context, kind domain.JobKind) (int64, error) {
	n, err := t.rdb.Get(ctx, depthKey(kind)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=queue.depth: %w: %v", domain.ErrUnavailable, err)
	}
	return n, nil
}
