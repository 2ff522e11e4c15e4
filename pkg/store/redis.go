package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxUpdateAttempts bounds the WATCH/MULTI retry loop in RedisStore.Update.
const maxUpdateAttempts = 10

// RedisStore keeps each key as a plain Redis string.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the Redis server at addr ("host:port") and
// verifies it is reachable.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis %s unreachable: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return data, nil
}

// Update implements Store using an optimistic WATCH/MULTI transaction.
// If another client writes the key between the read and the write, the
// transaction is discarded and fn runs again on the fresh value.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("store: update %s: %w", key, err)
	}

	return ErrConflict
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
