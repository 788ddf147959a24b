// Package dedup implements the deduplication store: TTL-bounded markers for
// processed webhook message ids and delivered idempotency keys. It owns the
// two disjoint key families
//
//	msg:{instance}:{phone}:{message_id}   (ingress duplicate-webhook window)
//	idem:{conversation_id}:{key}          (delivery at-most-once check)
//
// and the degrade-open policy: when the coordination store is unavailable the
// markers report "not seen" / "not recorded" instead of failing, because
// upstream retries make false negatives rare and the outbox state machine is
// the second line of defense.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recepta-ai/recepta/kvstore"
	"github.com/recepta-ai/recepta/telemetry"
)

const (
	// DefaultMessageTTL bounds the duplicate-webhook window.
	DefaultMessageTTL = 60 * time.Second
	// DefaultIdemTTL bounds the delivery idempotency window. Must stay at or
	// above 24h so replayed turns keep hitting the marker.
	DefaultIdemTTL = 24 * time.Hour

	seenMarker = "1"
)

// Store records processed message ids and delivered idempotency keys.
type Store struct {
	kv      kvstore.Store
	log     telemetry.Logger
	msgTTL  time.Duration
	idemTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithMessageTTL overrides the ingress dedup window.
func WithMessageTTL(ttl time.Duration) Option {
	return func(s *Store) { s.msgTTL = ttl }
}

// WithIdemTTL overrides the delivery idempotency window.
func WithIdemTTL(ttl time.Duration) Option {
	return func(s *Store) { s.idemTTL = ttl }
}

// New returns a Store over the given coordination store.
func New(kv kvstore.Store, log telemetry.Logger, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		log:     log,
		msgTTL:  DefaultMessageTTL,
		idemTTL: DefaultIdemTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkMessage atomically records a webhook message id and reports whether this
// was the first observation within the TTL window. On store outage it degrades
// open: the message is treated as first-seen.
func (s *Store) MarkMessage(ctx context.Context, instance, phone, msgID string) (bool, error) {
	key := MessageKey(instance, phone, msgID)
	first, err := s.kv.SetNX(ctx, key, seenMarker, s.msgTTL)
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			s.log.Warn(ctx, "dedup store unavailable, treating message as first-seen", "key", key, "err", err)
			return true, nil
		}
		return false, fmt.Errorf("mark message %q: %w", key, err)
	}
	return first, nil
}

// SeenIdem reports whether the idempotency key was already delivered within
// the TTL window. On store outage it degrades open and reports "not seen".
func (s *Store) SeenIdem(ctx context.Context, conversationID, idemKey string) (bool, error) {
	key := IdemKey(conversationID, idemKey)
	_, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return false, nil
	case errors.Is(err, kvstore.ErrUnavailable):
		s.log.Warn(ctx, "dedup store unavailable, treating idempotency key as unseen", "key", key, "err", err)
		return false, nil
	default:
		return false, fmt.Errorf("check idempotency key %q: %w", key, err)
	}
}

// MarkIdem records a delivered idempotency key. On store outage the marker is
// dropped with a warning; the conditional outbox update still prevents a
// duplicate user-visible send.
func (s *Store) MarkIdem(ctx context.Context, conversationID, idemKey string) error {
	key := IdemKey(conversationID, idemKey)
	if err := s.kv.Set(ctx, key, seenMarker, s.idemTTL); err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			s.log.Warn(ctx, "dedup store unavailable, idempotency marker dropped", "key", key, "err", err)
			return nil
		}
		return fmt.Errorf("mark idempotency key %q: %w", key, err)
	}
	return nil
}

// MessageKey builds the ingress-family dedup key.
func MessageKey(instance, phone, msgID string) string {
	return fmt.Sprintf("msg:%s:%s:%s", instance, phone, msgID)
}

// IdemKey builds the delivery-family dedup key.
func IdemKey(conversationID, idemKey string) string {
	return fmt.Sprintf("idem:%s:%s", conversationID, idemKey)
}
