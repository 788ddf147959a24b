// Package redis implements the kvstore contract on a Redis client. It is the
// production coordination backend: SetNX carries the dedup markers and turn
// locks, RPush and LPopAll carry the turn buffer, and Incr carries the guard
// counters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recepta-ai/recepta/kvstore"
)

// Store adapts a go-redis client to the kvstore contract.
type Store struct {
	client *goredis.Client
}

// Compile-time check that Store implements kvstore.Store.
var _ kvstore.Store = (*Store)(nil)

// New returns a Store backed by the given Redis client.
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

// SetNX sets key to value with the given TTL only if the key does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return ok, nil
}

// Set unconditionally writes key with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kvstore.ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", key, err)
	}
	return val, nil
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}

// TTL reports the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", key, err)
	}
	// go-redis reports -2 for a missing key and -1 for a key with no expiry.
	switch d {
	case time.Duration(-2):
		return 0, kvstore.ErrNotFound
	case time.Duration(-1):
		return 0, nil
	}
	return d, nil
}

// Incr increments the counter at key, applying ttl when the key is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", key, err)
	}
	if val == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return val, unavailable("expire", key, err)
		}
	}
	return val, nil
}

// popAllBound caps a single drain. A turn buffer holds one burst of messages,
// so the bound is never the limiting factor; anything left behind is picked up
// by the next flush.
const popAllBound = 4096

// RPush appends value to the list at key, refreshing the TTL. Both commands
// run in one MULTI/EXEC so the element and its expiry land together.
func (s *Store) RPush(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("rpush", key, err)
	}
	return nil
}

// LRange returns all elements of the list at key.
func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange", key, err)
	}
	return vals, nil
}

// LPopAll atomically drains the list at key. LPOP with a count is a single
// command, so concurrent drainers serialize and exactly one wins.
func (s *Store) LPopAll(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.LPopCount(ctx, key, popAllBound).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("lpop", key, err)
	}
	return vals, nil
}

// unavailable wraps a backend failure as kvstore.ErrUnavailable so callers can
// apply the fail-open/fail-closed policy by kind rather than by backend.
func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %q: %v", kvstore.ErrUnavailable, op, key, err)
}
