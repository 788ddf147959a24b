// Package memory provides an in-memory implementation of the outbox
// repository.
//
// This implementation is suitable for tests and single-process development
// runs only. The authoritative outbox must survive process crashes, which a
// process-local map cannot.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/recepta-ai/recepta/outbox"
)

// Repository is an in-memory implementation of outbox.Repository.
// It is safe for concurrent use.
type Repository struct {
	mu    sync.Mutex
	items map[string][]outbox.Item // key: conversationID + "\x00" + turnID

	now func() time.Time
}

// Compile-time check that Repository implements outbox.Repository.
var _ outbox.Repository = (*Repository)(nil)

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{
		items: make(map[string][]outbox.Item),
		now:   time.Now,
	}
}

// SetClock replaces the repository clock for tests.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func turnKey(conversationID, turnID string) string {
	return conversationID + "\x00" + turnID
}

// Save inserts items with status queued, keeping existing rows untouched.
func (r *Repository) Save(ctx context.Context, conversationID, turnID string, items []outbox.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := turnKey(conversationID, turnID)
	existing := r.items[key]
	present := make(map[int]struct{}, len(existing))
	for _, it := range existing {
		present[it.Index] = struct{}{}
	}
	for _, it := range items {
		if _, ok := present[it.Index]; ok {
			continue
		}
		it.ConversationID = conversationID
		it.TurnID = turnID
		it.Status = outbox.StatusQueued
		it.CreatedAt = r.now()
		existing = append(existing, it)
		present[it.Index] = struct{}{}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Index < existing[j].Index })
	r.items[key] = existing
	return nil
}

// LoadPending returns items in {queued, failed} ordered by index.
func (r *Repository) LoadPending(ctx context.Context, conversationID, turnID string) ([]outbox.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []outbox.Item
	for _, it := range r.items[turnKey(conversationID, turnID)] {
		if it.Status == outbox.StatusQueued || it.Status == outbox.StatusFailed {
			pending = append(pending, it)
		}
	}
	return pending, nil
}

// MarkSent conditionally flips the item to sent.
func (r *Repository) MarkSent(ctx context.Context, conversationID, turnID string, index int, providerMessageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.items[turnKey(conversationID, turnID)]
	for i := range items {
		if items[i].Index != index {
			continue
		}
		if items[i].Status == outbox.StatusSent {
			return false, nil
		}
		now := r.now()
		items[i].Status = outbox.StatusSent
		items[i].SentAt = &now
		items[i].ProviderMessageID = providerMessageID
		items[i].Reason = ""
		return true, nil
	}
	return false, fmt.Errorf("%w: %s/%s[%d]", outbox.ErrNotFound, conversationID, turnID, index)
}

// MarkFailed flips a queued item to failed.
func (r *Repository) MarkFailed(ctx context.Context, conversationID, turnID string, index int, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.items[turnKey(conversationID, turnID)]
	for i := range items {
		if items[i].Index != index {
			continue
		}
		if items[i].Status != outbox.StatusQueued {
			return nil
		}
		items[i].Status = outbox.StatusFailed
		items[i].Reason = reason
		return nil
	}
	return fmt.Errorf("%w: %s/%s[%d]", outbox.ErrNotFound, conversationID, turnID, index)
}

// RetryFailed re-queues the turn's failed items.
func (r *Repository) RetryFailed(ctx context.Context, conversationID, turnID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	items := r.items[turnKey(conversationID, turnID)]
	for i := range items {
		if items[i].Status == outbox.StatusFailed {
			items[i].Status = outbox.StatusQueued
			items[i].Reason = ""
			n++
		}
	}
	return n, nil
}

// Stats reports queue depths by status.
func (r *Repository) Stats(ctx context.Context) (outbox.Stats, error) {
	if err := ctx.Err(); err != nil {
		return outbox.Stats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats outbox.Stats
	for _, items := range r.items {
		for _, it := range items {
			switch it.Status {
			case outbox.StatusQueued:
				stats.Queued++
			case outbox.StatusSent:
				stats.Sent++
			case outbox.StatusFailed:
				stats.Failed++
			}
		}
	}
	return stats, nil
}
