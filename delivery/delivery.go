// Package delivery implements the delivery worker: rehydrate a turn's pending
// outbox items and send them in order through the gateway, stamping
// idempotency markers and flipping outbox state as it goes. The worker is the
// enforcement point of at-most-once user-visible delivery; it never fails
// open on storage errors, because a skipped state flip is exactly how a
// duplicate send happens.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/recepta-ai/recepta/dedup"
	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/outbox"
	"github.com/recepta-ai/recepta/telemetry"
)

// Defaults for the worker tunables.
const (
	DefaultDeadline    = 30 * time.Second
	DefaultSendRetries = 2
)

// Worker delivers a turn's pending outbox items.
type Worker struct {
	repo    outbox.Repository
	sender  gateway.Sender
	dedup   *dedup.Store
	emitter *events.Emitter
	log     telemetry.Logger

	deadline    time.Duration
	sendRetries uint64
}

// Option configures a Worker.
type Option func(*Worker)

// WithDeadline overrides the per-turn delivery deadline.
func WithDeadline(d time.Duration) Option {
	return func(w *Worker) { w.deadline = d }
}

// WithSendRetries overrides the in-loop retry budget for transient send
// failures before the item is marked failed.
func WithSendRetries(n uint64) Option {
	return func(w *Worker) { w.sendRetries = n }
}

// NewWorker assembles a Worker.
func NewWorker(repo outbox.Repository, sender gateway.Sender, dd *dedup.Store, emitter *events.Emitter, log telemetry.Logger, opts ...Option) *Worker {
	w := &Worker{
		repo:        repo,
		sender:      sender,
		dedup:       dd,
		emitter:     emitter,
		log:         log,
		deadline:    DefaultDeadline,
		sendRetries: DefaultSendRetries,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Deliver sends the turn's pending items in index order. A transient failure
// halts the turn (later items wait for the next trigger); a permanent failure
// marks the item and continues. Replays converge: already-delivered items hit
// the idempotency marker and the conditional mark_sent no-ops.
func (w *Worker) Deliver(ctx context.Context, conversationID, turnID string) error {
	ctx, cancel := context.WithTimeout(ctx, w.deadline)
	defer cancel()

	kvs := []events.KV{
		{K: "conversation_id", V: conversationID},
		{K: "turn_id", V: turnID},
	}

	items, err := w.repo.LoadPending(ctx, conversationID, turnID)
	if err != nil {
		return fmt.Errorf("rehydrate %s/%s: %w", conversationID, turnID, err)
	}
	if len(items) == 0 {
		w.emitter.Emit(ctx, events.StageOutbox, events.OutboxRehydrateMiss, kvs...)
		return nil
	}
	w.emitter.Emit(ctx, events.StageOutbox, events.OutboxRehydrateHit,
		append(kvs, events.KV{K: "items", V: len(items)})...)

	var sent, deduped, failed int
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// Deadline mid-loop: remaining items stay pending for the next
			// trigger.
			w.log.Warn(ctx, "delivery deadline exceeded, turn paused",
				"conversation_id", conversationID, "turn_id", turnID, "remaining", len(items)-sent-deduped-failed)
			return fmt.Errorf("deliver %s/%s: %w", conversationID, turnID, err)
		}

		outcome, err := w.deliverItem(ctx, item)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeSent:
			sent++
		case outcomeDeduped:
			deduped++
		case outcomeFailedPermanent:
			failed++
		case outcomeFailedTransient:
			failed++
			w.log.Info(ctx, "delivery halted on transient failure",
				"conversation_id", conversationID, "turn_id", turnID,
				"item_index", item.Index, "sent", sent, "deduped", deduped, "failed", failed)
			return nil
		}
	}

	w.log.Info(ctx, "delivery complete",
		"conversation_id", conversationID, "turn_id", turnID,
		"sent", sent, "deduped", deduped, "failed", failed)
	return nil
}

type itemOutcome int

const (
	outcomeSent itemOutcome = iota
	outcomeDeduped
	outcomeFailedPermanent
	outcomeFailedTransient
)

// deliverItem handles one item. Returned errors are storage failures that
// must halt delivery without state guesses; gateway failures are folded into
// the outcome.
func (w *Worker) deliverItem(ctx context.Context, item outbox.Item) (itemOutcome, error) {
	kvs := []events.KV{
		{K: "conversation_id", V: item.ConversationID},
		{K: "turn_id", V: item.TurnID},
		{K: "item_index", V: item.Index},
	}

	seen, err := w.dedup.SeenIdem(ctx, item.ConversationID, item.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if seen {
		w.emitter.Emit(ctx, events.StageDelivery, events.DeliveryDedupHit, kvs...)
		if err := w.converge(ctx, item, ""); err != nil {
			return 0, err
		}
		return outcomeDeduped, nil
	}

	receipt, err := w.send(ctx, item.Payload)
	if err != nil {
		// A deadline that expired mid-send is not a gateway verdict: leave
		// the row queued for the next trigger instead of marking it failed.
		if cerr := ctx.Err(); cerr != nil {
			return 0, fmt.Errorf("deliver %s/%s[%d]: %w", item.ConversationID, item.TurnID, item.Index, cerr)
		}
		reason := err.Error()
		if merr := w.repo.MarkFailed(ctx, item.ConversationID, item.TurnID, item.Index, reason); merr != nil {
			return 0, fmt.Errorf("mark failed %s/%s[%d]: %w", item.ConversationID, item.TurnID, item.Index, merr)
		}
		w.emitter.Emit(ctx, events.StageOutbox, events.OutboxMarkFailed,
			append(kvs, events.KV{K: "reason", V: reason})...)
		w.emitter.Emit(ctx, events.StageDelivery, events.DeliveryFailed,
			append(kvs, events.KV{K: "reason", V: reason})...)
		if gateway.IsPermanent(err) {
			return outcomeFailedPermanent, nil
		}
		return outcomeFailedTransient, nil
	}

	// Idem marker before the status flip: a crash between the two converges
	// on the next attempt via dedup_hit plus the no-op conditional mark_sent.
	if err := w.dedup.MarkIdem(ctx, item.ConversationID, item.IdempotencyKey); err != nil {
		return 0, err
	}
	if err := w.converge(ctx, item, receipt.ProviderMessageID); err != nil {
		return 0, err
	}
	w.emitter.Emit(ctx, events.StageDelivery, events.DeliverySent,
		append(kvs, events.KV{K: "provider_message_id", V: receipt.ProviderMessageID})...)
	return outcomeSent, nil
}

// converge flips the item to sent; an already-sent row is a no-op.
func (w *Worker) converge(ctx context.Context, item outbox.Item, providerMessageID string) error {
	flipped, err := w.repo.MarkSent(ctx, item.ConversationID, item.TurnID, item.Index, providerMessageID)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			w.log.Warn(ctx, "outbox row missing on mark_sent",
				"conversation_id", item.ConversationID, "turn_id", item.TurnID, "item_index", item.Index)
			return nil
		}
		return fmt.Errorf("mark sent %s/%s[%d]: %w", item.ConversationID, item.TurnID, item.Index, err)
	}
	if flipped {
		w.emitter.Emit(ctx, events.StageOutbox, events.OutboxMarkSent,
			events.KV{K: "conversation_id", V: item.ConversationID},
			events.KV{K: "turn_id", V: item.TurnID},
			events.KV{K: "item_index", V: item.Index},
		)
	}
	return nil
}

// send calls the gateway with a small retry budget for transient failures.
// Permanent failures and context cancellation stop the retries immediately.
func (w *Worker) send(ctx context.Context, p gateway.Payload) (gateway.Receipt, error) {
	var receipt gateway.Receipt
	op := func() error {
		var err error
		receipt, err = w.sender.Send(ctx, p)
		if err != nil && gateway.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.sendRetries), ctx))
	return receipt, err
}
