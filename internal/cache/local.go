package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Local is an in-process Store on top of ristretto. Writes are made visible
// before Set returns.
type Local struct {
	c *ristretto.Cache
}

// NewLocal creates a local cache bounded to roughly maxBytes of values.
func NewLocal(maxBytes int64) (*Local, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	return &Local{c: c}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("local cache: unexpected value type %T for %s", v, key)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	if !l.c.SetWithTTL(key, stored, int64(len(stored))+1, ttl) {
		return fmt.Errorf("local cache: set %s dropped", key)
	}
	l.c.Wait()
	return nil
}

// Close stops the cache's background goroutines.
func (l *Local) Close() error {
	l.c.Close()
	return nil
}
