// Package guards implements the protective layer around the pipeline: the
// per-conversation recursion ceiling, the greeting-loop cooldown, and circuit
// breakers wrapping the external calls (gateway send, classifier). Guard
// verdicts never raise to the caller as errors; a tripped guard short-circuits
// the turn to a single canned response through the outbox.
package guards

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/kvstore"
	"github.com/recepta-ai/recepta/telemetry"
)

// Defaults for the guard tunables.
const (
	DefaultRecursionLimit   = 8
	DefaultRecursionTTL     = 5 * time.Minute
	DefaultGreetingCooldown = 30 * time.Second
)

// ErrCircuitOpen is returned by Breaker.Do while the breaker rejects calls.
var ErrCircuitOpen = errors.New("guards: circuit open")

// Guard tracks the per-conversation counters backing the recursion ceiling
// and greeting cooldown.
type Guard struct {
	kv      kvstore.Store
	log     telemetry.Logger
	emitter *events.Emitter

	recursionLimit   int64
	recursionTTL     time.Duration
	greetingCooldown time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecursionLimit overrides the per-conversation pipeline entry ceiling.
func WithRecursionLimit(n int64) Option {
	return func(g *Guard) { g.recursionLimit = n }
}

// WithRecursionTTL overrides the recursion counter lifetime.
func WithRecursionTTL(d time.Duration) Option {
	return func(g *Guard) { g.recursionTTL = d }
}

// WithGreetingCooldown overrides the greeting-loop window.
func WithGreetingCooldown(d time.Duration) Option {
	return func(g *Guard) { g.greetingCooldown = d }
}

// New returns a Guard over the given coordination store.
func New(kv kvstore.Store, log telemetry.Logger, emitter *events.Emitter, opts ...Option) *Guard {
	g := &Guard{
		kv:               kv,
		log:              log,
		emitter:          emitter,
		recursionLimit:   DefaultRecursionLimit,
		recursionTTL:     DefaultRecursionTTL,
		greetingCooldown: DefaultGreetingCooldown,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func recursionKey(conversationID string) string {
	return fmt.Sprintf("guard:%s:recursion", conversationID)
}

func greetingKey(phone string) string {
	return fmt.Sprintf("guard:%s:greeting", phone)
}

// CheckRecursion increments the conversation's pipeline entry counter and
// reports whether the ceiling is exceeded. On store outage the guard degrades
// open: the pipeline runs.
func (g *Guard) CheckRecursion(ctx context.Context, conversationID string) (bool, error) {
	n, err := g.kv.Incr(ctx, recursionKey(conversationID), g.recursionTTL)
	if err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			g.log.Warn(ctx, "guard store unavailable, recursion check skipped",
				"conversation_id", conversationID, "err", err)
			return false, nil
		}
		return false, fmt.Errorf("recursion counter for %s: %w", conversationID, err)
	}
	if n <= g.recursionLimit {
		return false, nil
	}
	g.emitter.Emit(ctx, events.StageGuard, events.GuardRecursionExceeded,
		events.KV{K: "conversation_id", V: conversationID},
		events.KV{K: "count", V: n},
		events.KV{K: "limit", V: g.recursionLimit},
	)
	return true, nil
}

// RecursionCount reads the conversation's current pipeline entry count
// without incrementing it. Used by the admin surface.
func (g *Guard) RecursionCount(ctx context.Context, conversationID string) (int64, error) {
	raw, err := g.kv.Get(ctx, recursionKey(conversationID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recursion counter for %s: %w", conversationID, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("recursion counter for %s: %w", conversationID, err)
	}
	return n, nil
}

// RecentGreeting reports whether a greeting was delivered to the phone within
// the cooldown window. Degrades open on store outage.
func (g *Guard) RecentGreeting(ctx context.Context, phone string) (bool, error) {
	_, err := g.kv.Get(ctx, greetingKey(phone))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return false, nil
	case errors.Is(err, kvstore.ErrUnavailable):
		g.log.Warn(ctx, "guard store unavailable, greeting cooldown skipped", "phone", phone, "err", err)
		return false, nil
	default:
		return false, fmt.Errorf("greeting flag for %s: %w", phone, err)
	}
}

// MarkGreeting records that a greeting was just delivered to the phone.
func (g *Guard) MarkGreeting(ctx context.Context, phone string) error {
	if err := g.kv.Set(ctx, greetingKey(phone), "1", g.greetingCooldown); err != nil {
		if errors.Is(err, kvstore.ErrUnavailable) {
			g.log.Warn(ctx, "guard store unavailable, greeting flag dropped", "phone", phone, "err", err)
			return nil
		}
		return fmt.Errorf("mark greeting for %s: %w", phone, err)
	}
	return nil
}

// EmitGreetingLoopPrevented records a greeting-loop short circuit.
func (g *Guard) EmitGreetingLoopPrevented(ctx context.Context, conversationID string) {
	g.emitter.Emit(ctx, events.StageGuard, events.GuardGreetingLoopPrevented,
		events.KV{K: "conversation_id", V: conversationID})
}

// Breaker wraps calls to one external collaborator with a circuit breaker.
// While open, Do immediately returns ErrCircuitOpen without invoking the
// call, so callers can fall back instead of piling onto a failing dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// BreakerSettings tunes a Breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Zero means 5.
	FailureThreshold uint32
	// Cooldown is the open period before a half-open probe. Zero means 30s.
	Cooldown time.Duration
}

// NewBreaker returns a Breaker named for its collaborator. State transitions
// to open are emitted as GUARD circuit_open events.
func NewBreaker(name string, emitter *events.Emitter, s BreakerSettings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown == 0 {
		s.Cooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				emitter.Emit(context.Background(), events.StageGuard, events.GuardCircuitOpen,
					events.KV{K: "breaker", V: name},
					events.KV{K: "from", V: from.String()},
				)
			}
		},
	})
	return &Breaker{cb: cb}
}

// Do runs fn through the breaker. Rejections while open or half-open map to
// ErrCircuitOpen; other errors pass through unchanged.
func (b *Breaker) Do(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
	}
	return out, err
}

// GuardedSender decorates a gateway.Sender with a circuit breaker. Rejections
// while the breaker is open surface as transient send failures so the outbox
// item stays retryable.
type GuardedSender struct {
	next    gateway.Sender
	breaker *Breaker
}

// Compile-time check that GuardedSender implements gateway.Sender.
var _ gateway.Sender = (*GuardedSender)(nil)

// WrapSender guards the sender with a breaker.
func WrapSender(next gateway.Sender, emitter *events.Emitter, s BreakerSettings) *GuardedSender {
	return &GuardedSender{
		next:    next,
		breaker: NewBreaker("gateway.send", emitter, s),
	}
}

// Send forwards through the breaker. Permanent send failures do not count
// against the breaker: they indicate a bad payload, not a failing gateway.
func (s *GuardedSender) Send(ctx context.Context, p gateway.Payload) (gateway.Receipt, error) {
	out, err := s.breaker.Do(func() (any, error) {
		receipt, err := s.next.Send(ctx, p)
		if err != nil && gateway.IsPermanent(err) {
			// Wrap so Execute records a success while the caller still
			// observes the permanent failure.
			return sendOutcome{receipt: receipt, err: err}, nil
		}
		return sendOutcome{receipt: receipt}, err
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return gateway.Receipt{}, &gateway.SendError{Msg: "gateway circuit open"}
		}
		return gateway.Receipt{}, err
	}
	o := out.(sendOutcome)
	return o.receipt, o.err
}

type sendOutcome struct {
	receipt gateway.Receipt
	err     error
}
