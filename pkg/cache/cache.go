// Package cache provides the key/value store used for policies, supplier
// snapshots, feature blobs, and coalescing markers. Two implementations
// exist: Redis for production and an in-memory map for tests and
// single-process deployments.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the minimal cache contract the bargaining core depends on.
// SetNX provides the atomic get-or-set semantics request coalescing needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX sets the key only if it does not exist. Returns true if the
	// value was written.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}
