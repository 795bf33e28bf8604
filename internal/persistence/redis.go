package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where RedisBackend keeps the snapshot.
const DefaultRedisKey = "finmem:snapshot"

// RedisBackend stores the snapshot under one key. A write lands on a staging
// key first and is renamed in the same MULTI/EXEC transaction.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to url and verifies the connection.
func NewRedisBackend(ctx context.Context, url, key string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBackendFromClient(client, key), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	staging := b.key + ":staging"
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, staging, data, 0)
		pipe.Rename(ctx, staging, b.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write snapshot: %w", err)
	}
	return nil
}

func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis read snapshot: %w", err)
	}
	return data, nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
