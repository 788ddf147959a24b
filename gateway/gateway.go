// Package gateway holds the contracts the receptionist core consumes from the
// WhatsApp gateway: the inbound webhook event shape with its shape-tolerant
// decoder, and the outbound send capability with its transient/permanent
// error taxonomy. The gateway itself (Evolution-API style) is an external
// collaborator; this package only names the surface the pipeline relies on.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Payload is one outbound message as planned by the pipeline. The core treats
// it as opaque beyond the fields needed for delivery and idempotency hashing.
type Payload struct {
	// Recipient is the destination phone number in gateway format.
	Recipient string `json:"recipient"`
	// Channel names the delivery channel ("whatsapp").
	Channel string `json:"channel"`
	// Text is the message body.
	Text string `json:"text"`
	// Metadata carries planner-defined annotations passed through to the
	// gateway untouched.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Receipt is the gateway's acknowledgement of a sent message.
type Receipt struct {
	// ProviderMessageID is the gateway-assigned id of the outbound message.
	ProviderMessageID string
	// Status is the gateway-reported send status ("PENDING", "SENT").
	Status string
}

// Sender sends one planned message through the gateway. Implementations must
// be safe to call repeatedly with the same content; the pipeline's dedup
// store and outbox provide the at-most-once guarantee, gateway-side
// deduplication is a bonus the core does not rely on.
type Sender interface {
	Send(ctx context.Context, p Payload) (Receipt, error)
}

// SendError is a classified gateway failure. Permanent failures (invalid
// recipient, rejected payload) must not be retried; transient failures
// (network, 5xx, open circuit) leave the outbox item failed for the next
// delivery trigger.
type SendError struct {
	// Permanent reports whether retrying the same payload can ever succeed.
	Permanent bool
	// Status is the HTTP status when the failure came from a response.
	Status int
	// Msg describes the failure.
	Msg string
}

// Error implements the error interface.
func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s send failure (status %d): %s", kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("gateway: %s send failure: %s", kind, e.Msg)
}

// IsPermanent reports whether err is a SendError marked permanent. A nil or
// unclassified error is treated as transient so unknown failures stay
// retryable.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}
