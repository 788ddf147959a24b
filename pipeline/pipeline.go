// Package pipeline implements the orchestrator: the classify→route→plan run
// executed exactly once per turn by the lock-holding worker. The orchestrator
// never emits a message directly; every outcome, including guard verdicts and
// the fallback apology, is persisted through the outbox and handed to the
// delivery worker.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/guards"
	"github.com/recepta-ai/recepta/outbox"
	"github.com/recepta-ai/recepta/telemetry"
	"github.com/recepta-ai/recepta/turn"
)

// Classification is the classifier's verdict on the aggregated text.
type Classification struct {
	Category    string
	Subcategory string
	Confidence  float64
}

// Action is the routing decision for a classified turn.
type Action string

// Routing actions.
const (
	ActionProceed  Action = "proceed"
	ActionEscalate Action = "escalate"
	ActionFallback Action = "fallback"
)

// Routing is the router's decision.
type Routing struct {
	TargetNode      string
	Action          Action
	FinalConfidence float64
}

// Planned is one planner-produced outbound message. When IdempotencyKey is
// empty the orchestrator stamps the deterministic key derived from the turn
// id, item index and payload.
type Planned struct {
	Payload        gateway.Payload
	IdempotencyKey string
}

// Classifier assigns a category to the aggregated turn text. It is treated as
// an opaque pure function; the reference implementation lives in this package
// and real ones are injected.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Router decides how to act on a classification.
type Router interface {
	Route(ctx context.Context, c Classification) (Routing, error)
}

// Planner produces the ordered outbound messages for a turn. It must be pure
// with respect to the turn snapshot: two runs over the same input produce the
// same payloads and idempotency keys.
type Planner interface {
	Plan(ctx context.Context, t *turn.Turn, c Classification, r Routing) ([]Planned, error)
}

// Dispatcher triggers delivery for a persisted turn. Implemented by
// delivery.Worker.
type Dispatcher interface {
	Deliver(ctx context.Context, conversationID, turnID string) error
}

// Flags exposes the feature toggles the orchestrator reads per run.
type Flags interface {
	MainPipelineEnabled() bool
	TurnGuardOnly() bool
}

// Canned response texts. The pipeline's user base is Brazilian WhatsApp, so
// the defaults are Portuguese; override via options.
const (
	DefaultFallbackText = "Desculpe, estamos com uma instabilidade no momento. " +
		"Por favor, ligue para (11) 4002-8922 que nossa equipe te atende."
	DefaultFollowUpText = "Oi! Como posso ajudar?"
	DefaultGuardText    = "Um momento, por favor. Nossa equipe já vai te atender."
)

const greetingCategory = "greeting"

// Orchestrator runs the turn pipeline. Invoked only under the turn lock.
type Orchestrator struct {
	classifier Classifier
	router     Router
	planner    Planner
	repo       outbox.Repository
	dispatcher Dispatcher
	guard      *guards.Guard
	flags      Flags
	limiter    *RateLimiter
	emitter    *events.Emitter
	log        telemetry.Logger

	classifyBreaker *guards.Breaker

	maxTextLen   int
	fallbackText string
	followUpText string
	guardText    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxTextLen overrides the preprocess truncation limit.
func WithMaxTextLen(n int) Option {
	return func(o *Orchestrator) { o.maxTextLen = n }
}

// WithFallbackText overrides the apology sent when a pipeline step fails.
func WithFallbackText(s string) Option {
	return func(o *Orchestrator) { o.fallbackText = s }
}

// WithFollowUpText overrides the neutral reply sent on a greeting loop.
func WithFollowUpText(s string) Option {
	return func(o *Orchestrator) { o.followUpText = s }
}

// WithGuardText overrides the canned reply sent on a guard trip.
func WithGuardText(s string) Option {
	return func(o *Orchestrator) { o.guardText = s }
}

// WithClassifierBreaker replaces the breaker wrapping classifier calls.
func WithClassifierBreaker(b *guards.Breaker) Option {
	return func(o *Orchestrator) { o.classifyBreaker = b }
}

// New assembles an Orchestrator.
func New(
	classifier Classifier,
	router Router,
	planner Planner,
	repo outbox.Repository,
	dispatcher Dispatcher,
	guard *guards.Guard,
	flags Flags,
	limiter *RateLimiter,
	emitter *events.Emitter,
	log telemetry.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		classifier:   classifier,
		router:       router,
		planner:      planner,
		repo:         repo,
		dispatcher:   dispatcher,
		guard:        guard,
		flags:        flags,
		limiter:      limiter,
		emitter:      emitter,
		log:          log,
		maxTextLen:   DefaultMaxTextLen,
		fallbackText: DefaultFallbackText,
		followUpText: DefaultFollowUpText,
		guardText:    DefaultGuardText,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifyBreaker == nil {
		o.classifyBreaker = guards.NewBreaker("classifier", emitter, guards.BreakerSettings{})
	}
	return o
}

// Run executes the pipeline for one flushed turn. Unexpected panics are
// caught at this boundary, recorded, and answered with the canned apology so
// an internal bug never silences the user without a trace.
func (o *Orchestrator) Run(ctx context.Context, t *turn.Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error(ctx, "pipeline panic recovered",
				"conversation_id", t.ConversationID, "turn_id", t.ID, "panic", r)
			err = o.respondCanned(ctx, t, o.fallbackText, "panic")
		}
	}()
	return o.run(ctx, t)
}

func (o *Orchestrator) run(ctx context.Context, t *turn.Turn) error {
	if !o.flags.MainPipelineEnabled() {
		o.log.Info(ctx, "pipeline disabled by flag, turn dropped",
			"conversation_id", t.ConversationID, "turn_id", t.ID)
		return nil
	}

	kvs := []events.KV{
		{K: "conversation_id", V: t.ConversationID},
		{K: "turn_id", V: t.ID},
	}

	exceeded, err := o.guard.CheckRecursion(ctx, t.ConversationID)
	if err != nil {
		return err
	}
	if exceeded {
		return o.respondCanned(ctx, t, o.guardText, "recursion_limit_exceeded")
	}
	if o.flags.TurnGuardOnly() {
		o.log.Info(ctx, "turn_guard_only flag set, pipeline skipped",
			"conversation_id", t.ConversationID, "turn_id", t.ID)
		return nil
	}

	// Preprocess.
	start := time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "preprocess", kvs...)
	if !o.limiter.Allow(t.Phone) {
		o.emitter.StepFailed(ctx, events.StagePipeline, "preprocess", start,
			fmt.Errorf("rate_limited"), kvs...)
		return o.respondCanned(ctx, t, o.guardText, "rate_limited")
	}
	text := Sanitize(t.AggregatedText, o.maxTextLen)
	if text == "" {
		o.emitter.StepComplete(ctx, events.StagePipeline, "preprocess", start, kvs...)
		o.log.Info(ctx, "turn empty after preprocess, dropped",
			"conversation_id", t.ConversationID, "turn_id", t.ID)
		return nil
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "preprocess", start, kvs...)

	// Classify.
	start = time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "classify", kvs...)
	classification, err := o.classify(ctx, text)
	if err != nil {
		o.emitter.StepFailed(ctx, events.StagePipeline, "classify", start, err, kvs...)
		return o.respondCanned(ctx, t, o.fallbackText, "classify_failed")
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "classify", start,
		append(kvs, events.KV{K: "category", V: classification.Category})...)

	// Greeting loop: a greeting answered within the cooldown gets a neutral
	// follow-up instead of another greeting.
	if classification.Category == greetingCategory {
		recent, err := o.guard.RecentGreeting(ctx, t.Phone)
		if err != nil {
			return err
		}
		if recent {
			o.guard.EmitGreetingLoopPrevented(ctx, t.ConversationID)
			return o.respondCanned(ctx, t, o.followUpText, "greeting_loop")
		}
	}

	// Route.
	start = time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "route", kvs...)
	routing, err := o.router.Route(ctx, classification)
	if err != nil {
		o.emitter.StepFailed(ctx, events.StagePipeline, "route", start, err, kvs...)
		return o.respondCanned(ctx, t, o.fallbackText, "route_failed")
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "route", start,
		append(kvs, events.KV{K: "action", V: routing.Action})...)

	// Plan.
	start = time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "plan", kvs...)
	planned, err := o.planner.Plan(ctx, t, classification, routing)
	if err != nil || len(planned) == 0 {
		if err == nil {
			err = fmt.Errorf("planner returned no items")
		}
		o.emitter.StepFailed(ctx, events.StagePipeline, "plan", start, err, kvs...)
		return o.respondCanned(ctx, t, o.fallbackText, "plan_failed")
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "plan", start,
		append(kvs, events.KV{K: "items", V: len(planned)})...)

	if err := o.persistAndDispatch(ctx, t, planned); err != nil {
		return err
	}
	if classification.Category == greetingCategory {
		if err := o.guard.MarkGreeting(ctx, t.Phone); err != nil {
			o.log.Warn(ctx, "greeting cooldown mark failed", "phone", t.Phone, "err", err)
		}
	}
	return nil
}

// classify runs the classifier through its circuit breaker.
func (o *Orchestrator) classify(ctx context.Context, text string) (Classification, error) {
	out, err := o.classifyBreaker.Do(func() (any, error) {
		return o.classifier.Classify(ctx, text)
	})
	if err != nil {
		return Classification{}, err
	}
	return out.(Classification), nil
}

// respondCanned persists a single canned item and dispatches it. Used for
// guard trips, step failures, and the panic boundary; the canned response
// takes the same outbox path as planned ones.
func (o *Orchestrator) respondCanned(ctx context.Context, t *turn.Turn, text, reason string) error {
	o.log.Info(ctx, "responding with canned message",
		"conversation_id", t.ConversationID, "turn_id", t.ID, "reason", reason)
	return o.persistAndDispatch(ctx, t, []Planned{{
		Payload: gateway.Payload{
			Recipient: t.Phone,
			Channel:   "whatsapp",
			Text:      text,
			Metadata:  map[string]string{"canned": reason},
		},
	}})
}

// persistAndDispatch writes the planned items to the outbox and triggers the
// delivery worker. A persistence failure is surfaced: nothing was emitted and
// nothing may be emitted outside the outbox path.
func (o *Orchestrator) persistAndDispatch(ctx context.Context, t *turn.Turn, planned []Planned) error {
	items := make([]outbox.Item, len(planned))
	for i, p := range planned {
		key := p.IdempotencyKey
		if key == "" {
			key = outbox.ItemKey(t.ID, i, p.Payload)
		}
		items[i] = outbox.Item{
			ConversationID: t.ConversationID,
			TurnID:         t.ID,
			Index:          i,
			Payload:        p.Payload,
			IdempotencyKey: key,
		}
	}

	kvs := []events.KV{
		{K: "conversation_id", V: t.ConversationID},
		{K: "turn_id", V: t.ID},
	}
	start := time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "outbox", kvs...)
	if err := o.repo.Save(ctx, t.ConversationID, t.ID, items); err != nil {
		o.emitter.StepFailed(ctx, events.StagePipeline, "outbox", start, err, kvs...)
		return fmt.Errorf("persist turn %s/%s: %w", t.ConversationID, t.ID, err)
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "outbox", start,
		append(kvs, events.KV{K: "items", V: len(items)})...)
	o.emitter.Emit(ctx, events.StageOutbox, events.OutboxPersisted,
		append(kvs, events.KV{K: "items", V: len(items)})...)

	start = time.Now()
	o.emitter.StepStart(ctx, events.StagePipeline, "delivery", kvs...)
	if err := o.dispatcher.Deliver(ctx, t.ConversationID, t.ID); err != nil {
		o.emitter.StepFailed(ctx, events.StagePipeline, "delivery", start, err, kvs...)
		// Items stay pending; the next trigger for this turn retries.
		return nil
	}
	o.emitter.StepComplete(ctx, events.StagePipeline, "delivery", start, kvs...)
	return nil
}
