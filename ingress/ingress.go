// Package ingress accepts inbound webhook events: decode, reject
// self-echoes and empty texts, deduplicate by message id, append to the turn
// buffer, and arm a deferred flush. Handling is synchronous and fast; the
// pipeline is fire-and-forget from here.
//
// Outcomes are an explicit sum type rather than errors: malformed payloads
// and policy rejections are expected traffic, and only genuinely unexpected
// conditions surface as Result status "error".
package ingress

import (
	"context"
	"errors"

	"github.com/recepta-ai/recepta/dedup"
	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/telemetry"
	"github.com/recepta-ai/recepta/turn"
)

// Status is the ingress outcome for one webhook event.
type Status string

// Ingress outcomes.
const (
	StatusAccepted  Status = "accepted"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
	StatusError     Status = "error"
)

// Ignore reasons.
const (
	ReasonFromMe          = "from_me"
	ReasonNoText          = "no_text"
	ReasonInvalidDataType = "invalid_data_type"
)

// Result is the synchronous answer to one webhook event.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// FlushScheduler arms a deferred flush attempt for a phone. Implemented by
// turn.Scheduler.
type FlushScheduler interface {
	ScheduleFlush(phone string)
}

// Service is the webhook ingress.
type Service struct {
	ctrl      *turn.Controller
	dedup     *dedup.Store
	scheduler FlushScheduler
	emitter   *events.Emitter
	log       telemetry.Logger
}

// New assembles the ingress service.
func New(ctrl *turn.Controller, dd *dedup.Store, scheduler FlushScheduler, emitter *events.Emitter, log telemetry.Logger) *Service {
	return &Service{
		ctrl:      ctrl,
		dedup:     dd,
		scheduler: scheduler,
		emitter:   emitter,
		log:       log,
	}
}

// Handle processes one raw webhook body. It returns before the pipeline
// runs; the deferred flush picks the turn up after the debounce window.
func (s *Service) Handle(ctx context.Context, raw []byte) Result {
	msg, err := gateway.DecodeWebhook(raw)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidPayload) {
			s.emitter.Emit(ctx, events.StageWebhook, events.WebhookIgnored,
				events.KV{K: "reason", V: ReasonInvalidDataType})
			return Result{Status: StatusIgnored, Reason: ReasonInvalidDataType}
		}
		s.emitter.Emit(ctx, events.StageWebhook, events.WebhookError,
			events.KV{K: "error", V: err})
		return Result{Status: StatusError, Reason: err.Error()}
	}
	return s.HandleMessage(ctx, msg)
}

// HandleMessage applies the ingress rules to a decoded event, in order:
// self-echo, empty text, duplicate message id, append, schedule flush.
func (s *Service) HandleMessage(ctx context.Context, msg gateway.InboundMessage) Result {
	s.emitter.Emit(ctx, events.StageWebhook, events.WebhookReceived,
		events.KV{K: "conversation_id", V: msg.SenderPhone},
		events.KV{K: "msg_id", V: msg.MessageID},
		events.KV{K: "instance", V: msg.InstanceID},
	)

	if msg.FromSelf {
		s.emitter.Emit(ctx, events.StageWebhook, events.WebhookIgnored,
			events.KV{K: "conversation_id", V: msg.SenderPhone},
			events.KV{K: "reason", V: ReasonFromMe},
		)
		return Result{Status: StatusIgnored, Reason: ReasonFromMe}
	}
	if msg.Text == "" {
		s.emitter.Emit(ctx, events.StageWebhook, events.WebhookIgnored,
			events.KV{K: "conversation_id", V: msg.SenderPhone},
			events.KV{K: "reason", V: ReasonNoText},
		)
		return Result{Status: StatusIgnored, Reason: ReasonNoText}
	}

	first, err := s.dedup.MarkMessage(ctx, msg.InstanceID, msg.SenderPhone, msg.MessageID)
	if err != nil {
		// Fail open: upstream is at-least-once and the dedup TTL bounds the
		// duplicate window, so processing beats dropping.
		s.log.Error(ctx, "message dedup check failed, processing anyway",
			"msg_id", msg.MessageID, "err", err)
		first = true
	}
	if !first {
		s.emitter.Emit(ctx, events.StageWebhook, events.WebhookDuplicate,
			events.KV{K: "conversation_id", V: msg.SenderPhone},
			events.KV{K: "msg_id", V: msg.MessageID},
		)
		return Result{Status: StatusDuplicate}
	}

	if err := s.ctrl.Append(ctx, msg.SenderPhone, msg.MessageID, msg.Text, msg.TimestampMS); err != nil {
		s.emitter.Emit(ctx, events.StageWebhook, events.WebhookError,
			events.KV{K: "conversation_id", V: msg.SenderPhone},
			events.KV{K: "error", V: err},
		)
		return Result{Status: StatusError, Reason: err.Error()}
	}
	s.scheduler.ScheduleFlush(msg.SenderPhone)
	return Result{Status: StatusAccepted}
}
