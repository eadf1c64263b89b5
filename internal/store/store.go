// Package store provides storage backends for GuardianPipe.
//
// Every backend is a durable key-value store holding JSON documents for
// contacts, danger zones, alert history and the emergency circle session.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("key not found")

// Store is the persisted contact/config store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN       string
	Driver    string
	RedisAddr string
	RedisPass string
	RedisDB   int
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN selects the Postgres backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithSQLiteDSN selects the SQLite backend.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithRedis selects the Redis backend.
func WithRedis(addr, password string, db int) Option {
	return func(o *Opts) {
		o.RedisAddr = addr
		o.RedisPass = password
		o.RedisDB = db
		o.Driver = "redis"
	}
}

// DetectDSNType returns "postgres" for Postgres URLs or keyword DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend selected by opts, or an in-memory store when none is.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	case "redis":
		return NewRedisStore(opts...)
	default:
		return NewInMemoryStore(), nil
	}
}

// InMemoryStore keeps values in a map. Used for tests and when no backend is configured.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
