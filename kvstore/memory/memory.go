// Package memory provides an in-memory implementation of the kvstore
// contract.
//
// This implementation is suitable for development, testing, and the degraded
// single-process mode selected by the fallback-storage feature flag. It is not
// a substitute for Redis in multi-worker deployments: keys are process-local,
// so locks and dedup markers do not coordinate across instances.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/recepta-ai/recepta/kvstore"
)

// Store is an in-memory implementation of the kvstore.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is replaceable in tests to drive expiry deterministically.
	now func() time.Time
}

type entry struct {
	value    string
	list     []string
	expireAt time.Time // zero means no expiry
}

// Compile-time check that Store implements kvstore.Store.
var _ kvstore.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetClock replaces the store's clock. Tests use it to drive TTL expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetNX sets key to value with the given TTL only if the key does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

// Set unconditionally writes key with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return e.value, nil
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// TTL reports the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return 0, kvstore.ErrNotFound
	}
	if e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(s.now()), nil
}

// Incr increments the counter at key, applying ttl when the key is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	e, ok := s.liveLocked(key)
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = parsed
	}
	cur++
	if ok {
		// Preserve the existing expiry on subsequent increments.
		s.entries[key] = entry{value: strconv.FormatInt(cur, 10), expireAt: e.expireAt}
	} else {
		s.setLocked(key, strconv.FormatInt(cur, 10), ttl)
	}
	return cur, nil
}

// RPush appends value to the list at key, refreshing the TTL.
func (s *Store) RPush(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveLocked(key)
	e.list = append(e.list, value)
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// LRange returns all elements of the list at key.
func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.list...), nil
}

// LPopAll atomically drains the list at key.
func (s *Store) LPopAll(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok || len(e.list) == 0 {
		return nil, kvstore.ErrNotFound
	}
	delete(s.entries, key)
	return e.list, nil
}

// setLocked writes an entry; caller holds s.mu.
func (s *Store) setLocked(key, value string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = entry{value: value, expireAt: exp}
}

// liveLocked returns the entry at key if present and unexpired, lazily
// deleting expired entries; caller holds s.mu.
func (s *Store) liveLocked(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}
