package outbox

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/recepta-ai/recepta/gateway"
)

func TestItemKey(t *testing.T) {
	p := gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: "oi"}

	// Deterministic: same inputs, same key, on any worker.
	assert.Equal(t, ItemKey("t1", 0, p), ItemKey("t1", 0, p))
	assert.Len(t, ItemKey("t1", 0, p), 32)

	// Any input change produces a different key.
	assert.NotEqual(t, ItemKey("t1", 0, p), ItemKey("t1", 1, p))
	assert.NotEqual(t, ItemKey("t1", 0, p), ItemKey("t2", 0, p))
	changed := p
	changed.Text = "tchau"
	assert.NotEqual(t, ItemKey("t1", 0, p), ItemKey("t1", 0, changed))
}

func TestItemKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key is a pure function of turn, index and payload", prop.ForAll(
		func(turnID, text string, index int) bool {
			p := gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: text}
			return ItemKey(turnID, index, p) == ItemKey(turnID, index, p)
		},
		gen.AlphaString(), gen.AnyString(), gen.IntRange(0, 64),
	))

	properties.Property("key is always 32 characters", prop.ForAll(
		func(turnID, text string, index int) bool {
			p := gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: text}
			return len(ItemKey(turnID, index, p)) == 32
		},
		gen.AlphaString(), gen.AnyString(), gen.IntRange(0, 64),
	))

	properties.Property("distinct indexes yield distinct keys", prop.ForAll(
		func(turnID, text string, index int) bool {
			p := gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: text}
			return ItemKey(turnID, index, p) != ItemKey(turnID, index+1, p)
		},
		gen.AlphaString(), gen.AnyString(), gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
