package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/kvstore"
	"github.com/recepta-ai/recepta/telemetry"
)

// Defaults for the controller tunables.
const (
	DefaultDebounce = 1200 * time.Millisecond
	DefaultTurnTTL  = 60 * time.Second
	DefaultLockTTL  = 15 * time.Second
)

const appendRetries = 3

// Controller aggregates inbound messages into turns. Safe for concurrent use
// from any number of workers; all state lives in the coordination store.
type Controller struct {
	kv      kvstore.Store
	log     telemetry.Logger
	emitter *events.Emitter

	debounce time.Duration
	turnTTL  time.Duration
	lockTTL  time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounce overrides the quiet window before a buffer flushes.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

// WithTurnTTL overrides the buffer lifetime. Must stay at or above the
// debounce window or buffers expire before they can flush.
func WithTurnTTL(d time.Duration) Option {
	return func(c *Controller) { c.turnTTL = d }
}

// WithLockTTL overrides the turn lock lifetime.
func WithLockTTL(d time.Duration) Option {
	return func(c *Controller) { c.lockTTL = d }
}

// NewController returns a Controller over the given coordination store.
func NewController(kv kvstore.Store, log telemetry.Logger, emitter *events.Emitter, opts ...Option) *Controller {
	c := &Controller{
		kv:       kv,
		log:      log,
		emitter:  emitter,
		debounce: DefaultDebounce,
		turnTTL:  DefaultTurnTTL,
		lockTTL:  DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Debounce reports the configured quiet window.
func (c *Controller) Debounce() time.Duration { return c.debounce }

func bufferKey(phone string) string { return fmt.Sprintf("turn:%s:buffer", phone) }
func lockKey(phone string) string   { return fmt.Sprintf("turn:%s:lock", phone) }

// Append adds one message to the phone's buffer and refreshes the buffer TTL.
// The buffer is a store-side list, so concurrent appenders for the same phone
// never overwrite each other; every message survives in arrival order. Append
// retries a few times on transient store errors; when the store stays
// unavailable the message is dropped from aggregation with a warning (ingress
// fails open). A message id appearing twice is collapsed at flush time.
func (c *Controller) Append(ctx context.Context, phone, msgID, text string, tsMS int64) error {
	encoded, err := json.Marshal(Message{MsgID: msgID, Text: text, TsMS: tsMS})
	if err != nil {
		return fmt.Errorf("encode turn message: %w", err)
	}
	op := func() error { return c.kv.RPush(ctx, bufferKey(phone), string(encoded), c.turnTTL) }
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), appendRetries), ctx))
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			c.log.Warn(ctx, "turn buffer unavailable, message dropped from aggregation",
				"phone", phone, "msg_id", msgID, "err", err)
			return nil
		}
		return err
	}
	c.emitter.Emit(ctx, events.StageTurn, events.TurnAppended,
		events.KV{K: "conversation_id", V: phone},
		events.KV{K: "msg_id", V: msgID},
	)
	return nil
}

// readBuffer loads and decodes the buffer without consuming it.
func (c *Controller) readBuffer(ctx context.Context, key string) ([]Message, error) {
	raws, err := c.kv.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages(ctx, key, raws), nil
}

// decodeMessages decodes list elements into messages, skipping unparseable
// elements and collapsing duplicate message ids (first occurrence wins).
func (c *Controller) decodeMessages(ctx context.Context, key string, raws []string) []Message {
	msgs := make([]Message, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			c.log.Warn(ctx, "turn buffer element unparseable, skipped", "key", key, "err", err)
			continue
		}
		if _, dup := seen[m.MsgID]; dup {
			continue
		}
		seen[m.MsgID] = struct{}{}
		msgs = append(msgs, m)
	}
	return msgs
}

// FlushIfQuiet consumes the phone's buffer into a Turn when the debounce
// window has elapsed since the last message. It returns nil when the buffer
// is empty, still hot, or was consumed by a concurrent flusher. On store
// outage it returns nil: the buffer survives until its TTL or the next flush.
func (c *Controller) FlushIfQuiet(ctx context.Context, phone string, nowMS int64) (*Turn, error) {
	key := bufferKey(phone)
	msgs, err := c.readBuffer(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			c.log.Warn(ctx, "turn buffer unavailable, flush skipped", "phone", phone, "err", err)
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		c.emitter.Emit(ctx, events.StageTurn, events.TurnFlushEmpty,
			events.KV{K: "conversation_id", V: phone})
		return nil, nil
	}
	if nowMS-msgs[len(msgs)-1].TsMS < c.debounce.Milliseconds() {
		return nil, nil
	}

	// Atomic drain: exactly one flusher consumes the buffer.
	raws, err := c.kv.LPopAll(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			c.log.Warn(ctx, "turn buffer unavailable, flush skipped", "phone", phone, "err", err)
			return nil, nil
		}
		return nil, fmt.Errorf("consume turn buffer %q: %w", key, err)
	}
	msgs = c.decodeMessages(ctx, key, raws)
	if len(msgs) == 0 {
		return nil, nil
	}

	t := newTurn(phone, msgs)
	c.emitter.Emit(ctx, events.StageTurn, events.TurnFlushReady,
		events.KV{K: "conversation_id", V: t.ConversationID},
		events.KV{K: "turn_id", V: t.ID},
		events.KV{K: "messages", V: len(t.Messages)},
		events.KV{K: "span_ms", V: t.SpanMS},
	)
	return t, nil
}

// Peek returns the phone's buffered messages without consuming them. Used by
// the admin surface.
func (c *Controller) Peek(ctx context.Context, phone string) ([]Message, error) {
	return c.readBuffer(ctx, bufferKey(phone))
}

// WithLock runs fn while holding the phone's turn lock. It reports held=false
// without running fn when another worker holds the lock or the store is
// unavailable; non-holders must not retry planning. Release is conditional on
// the lock token so an expired-and-reacquired lock is never released by the
// old holder, and the TTL guarantees eventual release on crash.
func (c *Controller) WithLock(ctx context.Context, phone string, fn func(ctx context.Context) error) (bool, error) {
	key := lockKey(phone)
	token := uuid.NewString()

	acquired, err := c.kv.SetNX(ctx, key, token, c.lockTTL)
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			c.log.Warn(ctx, "turn lock unavailable, not acquired", "phone", phone, "err", err)
			return false, nil
		}
		return false, fmt.Errorf("acquire turn lock %q: %w", key, err)
	}
	if !acquired {
		c.emitter.Emit(ctx, events.StageTurn, events.TurnLockWaiting,
			events.KV{K: "conversation_id", V: phone})
		return false, nil
	}
	c.emitter.Emit(ctx, events.StageTurn, events.TurnLockAcquired,
		events.KV{K: "conversation_id", V: phone})
	defer c.release(ctx, phone, key, token)

	return true, fn(ctx)
}

func (c *Controller) release(ctx context.Context, phone, key, token string) {
	val, err := c.kv.Get(ctx, key)
	if err != nil || val != token {
		return
	}
	if err := c.kv.Del(ctx, key); err != nil {
		c.log.Warn(ctx, "turn lock release failed, TTL will reclaim", "phone", phone, "err", err)
		return
	}
	c.emitter.Emit(ctx, events.StageTurn, events.TurnLockReleased,
		events.KV{K: "conversation_id", V: phone})
}
