// Package cache provides the read cache for conversation and message-list
// snapshots. The cache is never the sole holder of truth: every entry can be
// re-derived from the durable store, and invalidation on mutation is the
// only correctness mechanism. TTLs just bound staleness.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a byte-oriented key-value store with TTL and multi-key delete.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
