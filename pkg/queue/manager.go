// Package queue implements the durable, ordered queue of offline actions.
//
// The Manager is the single source of truth for what remains to be synced.
// Items are kept as one ordered list under a fixed store key; every mutation
// reads the whole list, transforms it and writes it back. Mutations from this
// process are serialised by a mutex, and the store's atomic Update protects
// against writers in other processes.
//
// Processing order is insertion order (FIFO). An item only leaves the queue
// through Remove (after a successful dispatch) or PurgeFailed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/fleetops/offlineq/pkg/store"
	"github.com/rs/zerolog"
)

const (
	// DefaultKey is the store key holding the persisted queue.
	DefaultKey = "offline_queue"

	// DefaultMaxRetries is the retry ceiling used when none is configured.
	DefaultMaxRetries = 3
)

// errNoChange aborts a store update that would not modify the list.
var errNoChange = errors.New("queue: no change")

// Stats is a derived view over the queue.
// Total always equals Pending + Retrying + Failed.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// Manager owns the persisted queue.
type Manager struct {
	store      store.Store
	key        string
	maxRetries int
	now        func() time.Time
	log        zerolog.Logger

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithKey overrides the store key the queue is persisted under.
func WithKey(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.key = key
		}
	}
}

// WithMaxRetries sets the retry ceiling used by Stats and PurgeFailed.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager on top of st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		key:        DefaultKey,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        logger.Component("queue"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxRetries returns the configured retry ceiling.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

// Enqueue appends a typed action to the end of the queue and returns its id.
// It never touches the network; the only failure mode is a storage error,
// in which case the action has not been recorded.
func (m *Manager) Enqueue(ctx context.Context, p actions.Payload) (string, error) {
	data, err := actions.Encode(p)
	if err != nil {
		return "", err
	}
	return m.EnqueueRaw(ctx, p.Kind(), data)
}

// EnqueueRaw appends an action whose payload is already encoded.
// The payload is stored as is.
func (m *Manager) EnqueueRaw(ctx context.Context, kind actions.Kind, data []byte) (string, error) {
	item := actions.NewItem(kind, data, m.now())

	err := m.mutate(ctx, func(items []actions.QueueItem) ([]actions.QueueItem, error) {
		return append(items, item), nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}

	m.log.Info().Str("item_id", item.ID).Str("action", string(kind)).Msg("Enqueued action")
	return item.ID, nil
}

// ListAll returns the queued items in insertion order.
func (m *Manager) ListAll(ctx context.Context) ([]actions.QueueItem, error) {
	data, err := m.store.Get(ctx, m.key)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(data)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []actions.QueueItem{}
	}
	return items, nil
}

// Remove deletes the item with the given id. Removing an absent id is not
// an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	err := m.mutate(ctx, func(items []actions.QueueItem) ([]actions.QueueItem, error) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, errNoChange
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// RecordFailure bumps the retry count of the item and stores the error
// message. An absent id is tolerated; the item may have been removed
// concurrently.
func (m *Manager) RecordFailure(ctx context.Context, id, message string) error {
	var retryCount int
	err := m.mutate(ctx, func(items []actions.QueueItem) ([]actions.QueueItem, error) {
		for i := range items {
			if items[i].ID == id {
				items[i].RetryCount++
				items[i].LastError = message
				retryCount = items[i].RetryCount
				return items, nil
			}
		}
		return nil, errNoChange
	})
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}

	if retryCount > 0 {
		m.log.Warn().
			Str("item_id", id).
			Int("retry_count", retryCount).
			Int("max_retries", m.maxRetries).
			Str("last_error", message).
			Msg("Recorded dispatch failure")
	}
	return nil
}

// PurgeFailed removes every item whose retry count reached maxRetries and
// returns how many were removed. A non-positive maxRetries means the
// configured ceiling.
func (m *Manager) PurgeFailed(ctx context.Context, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}

	removed := 0
	err := m.mutate(ctx, func(items []actions.QueueItem) ([]actions.QueueItem, error) {
		kept := items[:0]
		for _, item := range items {
			if item.RetryCount >= maxRetries {
				continue
			}
			kept = append(kept, item)
		}
		removed = len(items) - len(kept)
		if removed == 0 {
			return nil, errNoChange
		}
		return kept, nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge failed items: %w", err)
	}

	if removed > 0 {
		m.log.Info().Int("removed", removed).Int("max_retries", maxRetries).Msg("Purged failed actions")
	}
	return removed, nil
}

// Stats counts items by retry state against the configured ceiling.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	items, err := m.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(items, m.maxRetries), nil
}

// ComputeStats classifies items: retry count 0 is pending, below the
// ceiling is retrying, at or above it is failed.
func ComputeStats(items []actions.QueueItem, maxRetries int) Stats {
	st := Stats{Total: len(items)}
	for _, item := range items {
		switch {
		case item.RetryCount == 0:
			st.Pending++
		case item.RetryCount < maxRetries:
			st.Retrying++
		default:
			st.Failed++
		}
	}
	return st
}

// mutate runs a full read-modify-write of the persisted list.
// fn may return errNoChange to skip the write.
func (m *Manager) mutate(ctx context.Context, fn func([]actions.QueueItem) ([]actions.QueueItem, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Update(ctx, m.key, func(current []byte) ([]byte, error) {
		items, err := decodeItems(current)
		if err != nil {
			return nil, err
		}
		next, err := fn(items)
		if err != nil {
			return nil, err
		}
		return encodeItems(next)
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}
