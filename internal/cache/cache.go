// Package cache holds the key/value fast-path collaborators used by the
// short-term and prospective memories.
package cache

import (
	"context"
	"time"
)

// Store is a small get/set cache with per-key TTL. ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}
