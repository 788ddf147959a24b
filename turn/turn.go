// Package turn implements the turn controller: per-phone aggregation of
// inbound messages into turns via a debounce window, deterministic turn
// identity, and the distributed lock granting a single worker the right to
// run the pipeline for a flushed turn.
//
// Buffers and locks live in the coordination store so any worker instance can
// append, flush, or acquire; the controller is stateless beyond its
// configuration. Turn identity is a pure function of the first buffered
// message, so two workers observing the same buffer derive the same id.
package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Message is one buffered inbound message.
type Message struct {
	MsgID string `json:"msg_id"`
	Text  string `json:"text"`
	TsMS  int64  `json:"ts_ms"`
}

// Turn is the snapshot produced when a quiet buffer is flushed. It is a value
// type: the orchestrator receives it by pointer but never mutates it.
type Turn struct {
	ID             string
	ConversationID string
	Phone          string
	AggregatedText string
	Messages       []Message
	SpanMS         int64
}

// ID derives the deterministic turn id from the phone and the first buffered
// message: hex SHA-256 over "{phone}:{firstMsgID}:{floor(firstTsMS/1000)}",
// truncated to 16 characters. Equal inputs yield equal ids on any worker.
func ID(phone, firstMsgID string, firstTsMS int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", phone, firstMsgID, firstTsMS/1000))
	return hex.EncodeToString(sum[:])[:16]
}

// newTurn assembles the snapshot from a consumed buffer. The buffer must be
// non-empty.
func newTurn(phone string, msgs []Message) *Turn {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	return &Turn{
		ID:             ID(phone, msgs[0].MsgID, msgs[0].TsMS),
		ConversationID: phone,
		Phone:          phone,
		AggregatedText: strings.Join(texts, "\n"),
		Messages:       msgs,
		SpanMS:         msgs[len(msgs)-1].TsMS - msgs[0].TsMS,
	}
}
