// Package store provides the durable local key-value storage the offline
// queue persists into. Values survive process restarts.
//
// Two backends are available:
//   - Redis (go-redis), for agents running next to a Redis instance
//   - SQLite (modernc.org/sqlite, pure Go), for a single embedded database file
//
// Both implement Update as an atomic read-modify-write of a single key.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict is returned when an optimistic update kept losing to
// concurrent writers.
var ErrConflict = errors.New("store: update conflict")

// UpdateFunc receives the current value of a key (nil when absent) and
// returns the value to write back.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a durable key-value store.
type Store interface {
	// Get returns the value stored under key, or nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Update atomically replaces the value under key with the result of fn.
	// An error returned by fn aborts the update and is returned unchanged.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Close releases the underlying connection.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver     string // "redis" or "sqlite"
	RedisAddr  string
	SQLitePath string
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "redis":
		return NewRedisStore(ctx, cfg.RedisAddr)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
