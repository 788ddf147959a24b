package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// InboundMessage is the normalized form of one inbound webhook event. It is
// transient: the ingress hands it to the turn controller and discards it.
type InboundMessage struct {
	// MessageID is the gateway-assigned message id, unique within an instance.
	MessageID string
	// InstanceID names the gateway instance the event arrived on.
	InstanceID string
	// SenderPhone is the sender's phone number (digits only, the part of the
	// remote JID before "@").
	SenderPhone string
	// Text is the message body; empty for media-only events.
	Text string
	// TimestampMS is the gateway clock timestamp in milliseconds. Advisory.
	TimestampMS int64
	// FromSelf reports whether the event echoes a message this system sent.
	FromSelf bool
}

// ErrInvalidPayload marks webhook payloads whose shape violates the gateway
// contract, including the known failure mode where a nested object arrives as
// an empty list. Ingress maps it to an ignored result, never to a hard error.
var ErrInvalidPayload = errors.New("gateway: invalid webhook payload")

// DecodeWebhook extracts an InboundMessage from a raw webhook body.
//
// The gateway is not trusted to honor its own schema: any nested field that
// should be an object may arrive as a list (observed when upstream serializes
// an empty map), and text may live under either data.message.conversation or
// data.message.extendedTextMessage.text. Decoding therefore probes a generic
// map instead of unmarshalling into rigid structs, and every shape violation
// degrades to ErrInvalidPayload.
func DecodeWebhook(raw []byte) (InboundMessage, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	instance, _ := root["instance"].(string)

	data, err := childObject(root, "data")
	if err != nil {
		return InboundMessage{}, err
	}
	key, err := childObject(data, "key")
	if err != nil {
		return InboundMessage{}, err
	}

	msgID, _ := key["id"].(string)
	remoteJID, _ := key["remoteJid"].(string)
	fromMe, _ := key["fromMe"].(bool)
	if msgID == "" || remoteJID == "" {
		return InboundMessage{}, fmt.Errorf("%w: missing key.id or key.remoteJid", ErrInvalidPayload)
	}

	text := ""
	if message, merr := childObject(data, "message"); merr == nil {
		if conv, ok := message["conversation"].(string); ok {
			text = conv
		} else if ext, eerr := childObject(message, "extendedTextMessage"); eerr == nil {
			if t, ok := ext["text"].(string); ok {
				text = t
			}
		}
	}

	return InboundMessage{
		MessageID:   msgID,
		InstanceID:  instance,
		SenderPhone: phoneFromJID(remoteJID),
		Text:        text,
		TimestampMS: timestampMS(data),
		FromSelf:    fromMe,
	}, nil
}

// childObject returns parent[field] as an object. A missing field, a list in
// place of an object, or any other type yields ErrInvalidPayload.
func childObject(parent map[string]any, field string) (map[string]any, error) {
	v, ok := parent[field]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidPayload, field)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want object", ErrInvalidPayload, field, v)
	}
	return obj, nil
}

// phoneFromJID strips the domain part of a remote JID ("5511999@s.whatsapp.net").
func phoneFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// timestampMS reads data.messageTimestamp, tolerating seconds or milliseconds
// and either number or string encoding. Returns 0 when absent or unparseable;
// the timestamp is advisory so a zero never rejects the event.
func timestampMS(data map[string]any) int64 {
	v, ok := data["messageTimestamp"]
	if !ok {
		return 0
	}
	var ts int64
	switch n := v.(type) {
	case float64:
		ts = int64(n)
	case string:
		var parsed json.Number = json.Number(n)
		i, err := parsed.Int64()
		if err != nil {
			return 0
		}
		ts = i
	default:
		return 0
	}
	// Gateways disagree on the unit; anything below 10^12 is seconds.
	if ts > 0 && ts < 1_000_000_000_000 {
		ts *= 1000
	}
	return ts
}
