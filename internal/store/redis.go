// This file implements a Redis-backed key-value store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisKeyPrefix namespaces every key written by the engine.
const RedisKeyPrefix = "guardian:"

// RedisStore stores values as plain Redis strings.
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore connects to the Redis server named in opts.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "addr", cfg.RedisAddr, "error", err)
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("Redis store ready", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return &RedisStore{c: c}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.c.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.c.Set(ctx, RedisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.c.Close()
}
