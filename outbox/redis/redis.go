// Package redis provides the optional fast rehydration path for the outbox:
// a write-through cache of each turn's pending items in Redis. The relational
// store remains authoritative (every write goes to it first) and cache
// maintenance is best-effort, so a stale or lost cache entry can cost a
// round-trip to Postgres but never a duplicate or dropped message: the
// delivery worker's dedup check and the conditional queued->sent update
// absorb staleness.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recepta-ai/recepta/outbox"
	"github.com/recepta-ai/recepta/telemetry"
)

// DefaultCacheTTL bounds how long a cached pending set outlives its turn.
const DefaultCacheTTL = 24 * time.Hour

// Cache stores per-turn pending item snapshots in Redis.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewCache returns a Cache on the given client with the default TTL.
func NewCache(client *goredis.Client) *Cache {
	return &Cache{client: client, ttl: DefaultCacheTTL}
}

func cacheKey(conversationID, turnID string) string {
	return fmt.Sprintf("outbox:%s:%s", conversationID, turnID)
}

// StorePending writes the turn's pending snapshot.
func (c *Cache) StorePending(ctx context.Context, conversationID, turnID string, items []outbox.Item) error {
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode outbox cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(conversationID, turnID), encoded, c.ttl).Err(); err != nil {
		return fmt.Errorf("store outbox cache entry: %w", err)
	}
	return nil
}

// LoadPending reads the turn's pending snapshot. The second return reports
// whether the cache held an entry.
func (c *Cache) LoadPending(ctx context.Context, conversationID, turnID string) ([]outbox.Item, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(conversationID, turnID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load outbox cache entry: %w", err)
	}
	var items []outbox.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		// A corrupt entry is dropped rather than propagated.
		_ = c.client.Del(ctx, cacheKey(conversationID, turnID)).Err()
		return nil, false, nil
	}
	return items, true, nil
}

// RemoveItem drops one item from the cached snapshot after it was sent. When
// the snapshot empties, the entry is deleted.
func (c *Cache) RemoveItem(ctx context.Context, conversationID, turnID string, index int) error {
	items, ok, err := c.LoadPending(ctx, conversationID, turnID)
	if err != nil || !ok {
		return err
	}
	remaining := items[:0]
	for _, it := range items {
		if it.Index != index {
			remaining = append(remaining, it)
		}
	}
	if len(remaining) == 0 {
		return c.client.Del(ctx, cacheKey(conversationID, turnID)).Err()
	}
	return c.StorePending(ctx, conversationID, turnID, remaining)
}

// Invalidate drops the turn's cached snapshot.
func (c *Cache) Invalidate(ctx context.Context, conversationID, turnID string) error {
	return c.client.Del(ctx, cacheKey(conversationID, turnID)).Err()
}

// CachedRepository decorates the authoritative repository with the cache.
// Reads prefer the cache when enabled; every state change goes to the
// authoritative store first with best-effort cache maintenance after.
type CachedRepository struct {
	auth    outbox.Repository
	cache   *Cache
	log     telemetry.Logger
	enabled func() bool
}

// Compile-time check that CachedRepository implements outbox.Repository.
var _ outbox.Repository = (*CachedRepository)(nil)

// NewCachedRepository wraps auth with the cache. The enabled hook is read per
// call so the redis_outbox_cache feature flag applies without restart; a nil
// hook means always enabled.
func NewCachedRepository(auth outbox.Repository, cache *Cache, log telemetry.Logger, enabled func() bool) *CachedRepository {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &CachedRepository{auth: auth, cache: cache, log: log, enabled: enabled}
}

// Save persists to the authoritative store, then seeds the cache.
func (r *CachedRepository) Save(ctx context.Context, conversationID, turnID string, items []outbox.Item) error {
	if err := r.auth.Save(ctx, conversationID, turnID, items); err != nil {
		return err
	}
	if r.enabled() {
		if err := r.cache.StorePending(ctx, conversationID, turnID, items); err != nil {
			r.log.Warn(ctx, "outbox cache seed failed", "conversation_id", conversationID, "turn_id", turnID, "err", err)
		}
	}
	return nil
}

// LoadPending serves from the cache when possible, falling back to the
// authoritative store and repairing the cache on miss.
func (r *CachedRepository) LoadPending(ctx context.Context, conversationID, turnID string) ([]outbox.Item, error) {
	if r.enabled() {
		items, hit, err := r.cache.LoadPending(ctx, conversationID, turnID)
		if err != nil {
			r.log.Warn(ctx, "outbox cache read failed", "conversation_id", conversationID, "turn_id", turnID, "err", err)
		} else if hit {
			return items, nil
		}
	}
	items, err := r.auth.LoadPending(ctx, conversationID, turnID)
	if err != nil {
		return nil, err
	}
	if r.enabled() && len(items) > 0 {
		if cerr := r.cache.StorePending(ctx, conversationID, turnID, items); cerr != nil {
			r.log.Warn(ctx, "outbox cache repair failed", "conversation_id", conversationID, "turn_id", turnID, "err", cerr)
		}
	}
	return items, nil
}

// MarkSent flips the authoritative row, then drops the item from the cache.
func (r *CachedRepository) MarkSent(ctx context.Context, conversationID, turnID string, index int, providerMessageID string) (bool, error) {
	flipped, err := r.auth.MarkSent(ctx, conversationID, turnID, index, providerMessageID)
	if err != nil {
		return false, err
	}
	if err := r.cache.RemoveItem(ctx, conversationID, turnID, index); err != nil {
		r.log.Warn(ctx, "outbox cache trim failed", "conversation_id", conversationID, "turn_id", turnID, "err", err)
	}
	return flipped, nil
}

// MarkFailed flips the authoritative row; the cached snapshot keeps the item
// since failed items remain pending.
func (r *CachedRepository) MarkFailed(ctx context.Context, conversationID, turnID string, index int, reason string) error {
	return r.auth.MarkFailed(ctx, conversationID, turnID, index, reason)
}

// RetryFailed re-queues failed rows and invalidates the cached snapshot so
// the next rehydration sees the authoritative state.
func (r *CachedRepository) RetryFailed(ctx context.Context, conversationID, turnID string) (int, error) {
	n, err := r.auth.RetryFailed(ctx, conversationID, turnID)
	if err != nil {
		return 0, err
	}
	if cerr := r.cache.Invalidate(ctx, conversationID, turnID); cerr != nil {
		r.log.Warn(ctx, "outbox cache invalidate failed", "conversation_id", conversationID, "turn_id", turnID, "err", cerr)
	}
	return n, nil
}

// Stats reports authoritative queue depths.
func (r *CachedRepository) Stats(ctx context.Context) (outbox.Stats, error) {
	return r.auth.Stats(ctx)
}
