// Package outbox defines the durable queue mediating the handoff from
// planning to delivery. It is the only path by which the core emits messages
// to the user: the orchestrator persists planned messages here, the delivery
// worker rehydrates and sends them. Items are keyed by
// (conversation_id, turn_id, item_index) and carry a deterministic
// idempotency key; the status machine is
//
//	queued -> {sent, failed}
//
// where sent is terminal and failed re-enters queued only through the
// explicit operator retry operation.
//
// The authoritative backend is relational (outbox/postgres); outbox/redis is
// an optional write-through rehydration cache and outbox/memory backs tests.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/recepta-ai/recepta/gateway"
)

// Status is the delivery state of one outbox item.
type Status string

// Item statuses.
const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// ErrNotFound is returned when the addressed item does not exist.
var ErrNotFound = errors.New("outbox: item not found")

// Item is one planned outbound message.
type Item struct {
	ConversationID    string          `json:"conversation_id" db:"conversation_id"`
	TurnID            string          `json:"turn_id" db:"turn_id"`
	Index             int             `json:"item_index" db:"item_index"`
	Payload           gateway.Payload `json:"payload" db:"-"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	Status            Status          `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	ProviderMessageID string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Reason            string          `json:"reason,omitempty" db:"reason"`
}

// Stats is a snapshot of queue depths by status for the admin surface.
type Stats struct {
	Queued int `json:"queued"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Repository is the durable outbox contract. Implementations must make Save
// idempotent on the primary key and MarkSent conditional so concurrent
// deliveries of the same item serialize with exactly one winner.
type Repository interface {
	// Save inserts the items with status queued. Rows that already exist for
	// the primary key are kept untouched, making replayed saves no-ops.
	Save(ctx context.Context, conversationID, turnID string, items []Item) error

	// LoadPending returns the turn's items in {queued, failed}, ordered by
	// item index.
	LoadPending(ctx context.Context, conversationID, turnID string) ([]Item, error)

	// MarkSent flips the item to sent with the provider message id. The
	// update is conditional: it reports false, and changes nothing, when the
	// row is already sent.
	MarkSent(ctx context.Context, conversationID, turnID string, index int, providerMessageID string) (bool, error)

	// MarkFailed flips a queued item to failed with the given reason.
	MarkFailed(ctx context.Context, conversationID, turnID string, index int, reason string) error

	// RetryFailed re-queues the turn's failed items (explicit operator
	// action) and returns the number of rows affected.
	RetryFailed(ctx context.Context, conversationID, turnID string) (int, error)

	// Stats reports queue depths by status.
	Stats(ctx context.Context) (Stats, error)
}

// ItemKey derives the deterministic idempotency key for a planned message:
// a hex SHA-256 over the turn id, the item index, and the payload content.
// Planners may supply their own key; when they do not, the orchestrator
// stamps this one so two planner runs over the same turn snapshot produce
// identical keys on any worker.
func ItemKey(turnID string, index int, p gateway.Payload) string {
	payload, _ := json.Marshal(p)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", turnID, index, payload))
	return hex.EncodeToString(sum[:])[:32]
}
