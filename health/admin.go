package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/recepta-ai/recepta/config"
	"github.com/recepta-ai/recepta/outbox"
	"github.com/recepta-ai/recepta/telemetry"
	"github.com/recepta-ai/recepta/turn"
)

// Dispatcher re-triggers delivery for a turn after an operator retry.
type Dispatcher interface {
	Deliver(ctx context.Context, conversationID, turnID string) error
}

// BufferReader exposes a read-only view of a phone's turn buffer. Implemented
// by turn.Controller.
type BufferReader interface {
	Peek(ctx context.Context, phone string) ([]turn.Message, error)
}

// CounterReader exposes a conversation's current recursion count. Implemented
// by guards.Guard.
type CounterReader interface {
	RecursionCount(ctx context.Context, conversationID string) (int64, error)
}

// Admin is the operator surface: queue stats, current flags, turn buffer and
// guard counter inspection, and the explicit failed-item retry.
type Admin struct {
	repo       outbox.Repository
	flags      *config.FlagSet
	dispatcher Dispatcher
	buffers    BufferReader
	counters   CounterReader
	log        telemetry.Logger
}

// NewAdmin assembles the admin surface. dispatcher may be nil; retries then
// only re-queue and wait for the next delivery trigger. buffers and counters
// may be nil; the matching routes then answer 404.
func NewAdmin(repo outbox.Repository, flags *config.FlagSet, dispatcher Dispatcher, buffers BufferReader, counters CounterReader, log telemetry.Logger) *Admin {
	return &Admin{
		repo:       repo,
		flags:      flags,
		dispatcher: dispatcher,
		buffers:    buffers,
		counters:   counters,
		log:        log,
	}
}

// Mount registers the admin routes.
func (a *Admin) Mount(r chi.Router) {
	r.Get("/stats", a.handleStats)
	r.Get("/flags", a.handleFlags)
	r.Get("/turns/{phone}", a.handleTurnBuffer)
	r.Get("/guards/{conversationID}", a.handleGuardCounters)
	r.Post("/outbox/{conversationID}/{turnID}/retry", a.handleRetry)
}

func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.repo.Stats(r.Context())
	if err != nil {
		a.log.Error(r.Context(), "outbox stats failed", "err", err)
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, stats)
}

func (a *Admin) handleFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.flags.Snapshot())
}

// handleTurnBuffer shows a phone's buffered, not-yet-flushed messages.
func (a *Admin) handleTurnBuffer(w http.ResponseWriter, r *http.Request) {
	if a.buffers == nil {
		http.NotFound(w, r)
		return
	}
	phone := chi.URLParam(r, "phone")
	msgs, err := a.buffers.Peek(r.Context(), phone)
	if err != nil {
		a.log.Error(r.Context(), "turn buffer peek failed", "phone", phone, "err", err)
		http.Error(w, "buffer unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"phone": phone, "messages": msgs})
}

// handleGuardCounters shows a conversation's current recursion count.
func (a *Admin) handleGuardCounters(w http.ResponseWriter, r *http.Request) {
	if a.counters == nil {
		http.NotFound(w, r)
		return
	}
	cid := chi.URLParam(r, "conversationID")
	n, err := a.counters.RecursionCount(r.Context(), cid)
	if err != nil {
		a.log.Error(r.Context(), "guard counter read failed", "conversation_id", cid, "err", err)
		http.Error(w, "counters unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"conversation_id": cid, "recursion_count": n})
}

// handleRetry is the operator action moving a turn's failed items back to
// queued, then re-triggering delivery.
func (a *Admin) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := chi.URLParam(r, "conversationID")
	tid := chi.URLParam(r, "turnID")

	n, err := a.repo.RetryFailed(ctx, cid, tid)
	if err != nil {
		a.log.Error(ctx, "outbox retry failed", "conversation_id", cid, "turn_id", tid, "err", err)
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	if n > 0 && a.dispatcher != nil {
		if err := a.dispatcher.Deliver(ctx, cid, tid); err != nil {
			a.log.Warn(ctx, "post-retry delivery trigger failed",
				"conversation_id", cid, "turn_id", tid, "err", err)
		}
	}
	writeJSON(w, map[string]int{"requeued": n})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
