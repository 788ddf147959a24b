// Package events implements the structured pipeline event log. Every stage of
// the turn pipeline emits events with a stable pipe-delimited wire schema:
//
//	STAGE|event=<name>|key1=v1|key2=v2|...
//
// The vocabulary is fixed (see the Stage and event name constants); the
// physical transport is the injected telemetry.Logger, so the same line
// reaches whatever sink cmd/recepta configured. Events are the audit trail
// used to verify the pipeline invariants (one planner run per turn, at most
// one delivery per idempotency key), so emission must never fail or block.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/recepta-ai/recepta/telemetry"
)

// Stage identifies the pipeline stage an event belongs to.
type Stage string

// Stages of the event vocabulary.
const (
	StageWebhook  Stage = "WEBHOOK"
	StageTurn     Stage = "TURN"
	StagePipeline Stage = "PIPELINE"
	StageOutbox   Stage = "OUTBOX"
	StageDelivery Stage = "DELIVERY"
	StageGuard    Stage = "GUARD"
)

// Webhook events.
const (
	WebhookReceived  = "received"
	WebhookIgnored   = "ignored"
	WebhookDuplicate = "duplicate"
	WebhookError     = "error"
)

// Turn events.
const (
	TurnAppended     = "appended"
	TurnLockAcquired = "lock_acquired"
	TurnLockWaiting  = "lock_waiting"
	TurnLockReleased = "lock_released"
	TurnFlushReady   = "flush_ready"
	TurnFlushEmpty   = "flush_empty"
)

// Outbox events.
const (
	OutboxPersisted     = "persisted"
	OutboxRehydrateHit  = "rehydrate_hit"
	OutboxRehydrateMiss = "rehydrate_miss"
	OutboxMarkSent      = "mark_sent"
	OutboxMarkFailed    = "mark_failed"
)

// Delivery events.
const (
	DeliverySent     = "sent"
	DeliveryDedupHit = "dedup_hit"
	DeliveryFailed   = "failed"
)

// Guard events.
const (
	GuardRecursionExceeded     = "recursion_exceeded"
	GuardGreetingLoopPrevented = "greeting_loop_prevented"
	GuardCircuitOpen           = "circuit_open"
)

// KV is a single event attribute. Values are rendered with %v; pipe and
// newline characters are stripped to keep the wire schema parseable.
type KV struct {
	K string
	V any
}

// Emitter appends pipeline events to the structured event log.
type Emitter struct {
	log     telemetry.Logger
	metrics telemetry.Metrics
}

// NewEmitter returns an Emitter writing through the given logger and
// recording per-event counters on the given metrics sink.
func NewEmitter(log telemetry.Logger, metrics telemetry.Metrics) *Emitter {
	return &Emitter{log: log, metrics: metrics}
}

// Emit appends one event line.
func (e *Emitter) Emit(ctx context.Context, stage Stage, event string, kvs ...KV) {
	e.log.Info(ctx, Line(stage, event, kvs...))
	e.metrics.IncCounter("recepta.events", 1, "stage", string(stage), "event", event)
}

// StepStart emits the <step>_start event for a pipeline step.
func (e *Emitter) StepStart(ctx context.Context, stage Stage, step string, kvs ...KV) {
	e.Emit(ctx, stage, step+"_start", kvs...)
}

// StepComplete emits the <step>_complete event with the elapsed duration.
func (e *Emitter) StepComplete(ctx context.Context, stage Stage, step string, start time.Time, kvs ...KV) {
	elapsed := time.Since(start)
	kvs = append(kvs, KV{K: "duration_ms", V: elapsed.Milliseconds()})
	e.Emit(ctx, stage, step+"_complete", kvs...)
	e.metrics.RecordTimer("recepta.step."+step, elapsed, "stage", string(stage))
}

// StepFailed emits the <step>_failed event with the elapsed duration and error.
func (e *Emitter) StepFailed(ctx context.Context, stage Stage, step string, start time.Time, err error, kvs ...KV) {
	kvs = append(kvs,
		KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
		KV{K: "error", V: err},
	)
	e.Emit(ctx, stage, step+"_failed", kvs...)
}

// Line renders a single event in the wire schema. Exposed so tests and
// log-scraping tooling share one formatter.
func Line(stage Stage, event string, kvs ...KV) string {
	var b strings.Builder
	b.WriteString(string(stage))
	b.WriteString("|event=")
	b.WriteString(sanitize(event))
	for _, kv := range kvs {
		b.WriteByte('|')
		b.WriteString(sanitize(kv.K))
		b.WriteByte('=')
		b.WriteString(sanitize(fmt.Sprintf("%v", kv.V)))
	}
	return b.String()
}

// sanitize strips the schema's delimiter characters from a field.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "|\n") {
		return s
	}
	s = strings.ReplaceAll(s, "|", "/")
	return strings.ReplaceAll(s, "\n", " ")
}
