// Package kvstore defines the key-value capabilities the turn pipeline
// consumes from its coordination store: atomic set-if-absent with TTL, plain
// get/set, TTL-scoped counters, and TTL-scoped list append/drain. The
// contract is deliberately narrow: it is exactly the primitive surface the
// deduplication store, turn buffers, turn locks, and guard counters are
// built on.
//
// Implementations live in subpackages: kvstore/redis is the production
// backend, kvstore/memory backs tests and the degraded single-process mode.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get, TTL and LPopAll when the key does not exist
// or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrUnavailable marks transient backend failures (connection refused,
// timeout). Callers on the ingress side of the pipeline fail open on it;
// callers on the delivery side must not.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Store is the coordination-store contract. All operations are atomic with
// respect to concurrent callers across processes.
type Store interface {
	// SetNX sets key to value with the given TTL only if the key does not
	// already exist. Reports whether this call performed the set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally writes key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// TTL reports the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer counter at key and returns the new value.
	// When the increment creates the key, the TTL is applied; subsequent
	// increments leave the existing expiry untouched.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// RPush atomically appends value to the list at key and refreshes the
	// list's TTL. Concurrent pushers never overwrite each other's elements.
	RPush(ctx context.Context, key, value string, ttl time.Duration) error

	// LRange returns all elements of the list at key in push order. A missing
	// key yields an empty slice, not an error.
	LRange(ctx context.Context, key string) ([]string, error)

	// LPopAll atomically drains the list at key, returning its elements in
	// push order. Exactly one of several concurrent drainers receives the
	// elements; the others get ErrNotFound.
	LPopAll(ctx context.Context, key string) ([]string, error)
}
