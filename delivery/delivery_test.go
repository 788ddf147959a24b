package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recepta-ai/recepta/dedup"
	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	kvmemory "github.com/recepta-ai/recepta/kvstore/memory"
	"github.com/recepta-ai/recepta/outbox"
	outboxmemory "github.com/recepta-ai/recepta/outbox/memory"
	"github.com/recepta-ai/recepta/telemetry"
)

// scriptedSender returns queued responses per payload text, recording sends.
type scriptedSender struct {
	mu    sync.Mutex
	fail  map[string]error
	sends []string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{fail: make(map[string]error)}
}

func (s *scriptedSender) failWith(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[text] = err
}

func (s *scriptedSender) Send(_ context.Context, p gateway.Payload) (gateway.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[p.Text]; ok && err != nil {
		return gateway.Receipt{}, err
	}
	s.sends = append(s.sends, p.Text)
	return gateway.Receipt{ProviderMessageID: "PROV", Status: "SENT"}, nil
}

func (s *scriptedSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type fixture struct {
	worker *Worker
	repo   *outboxmemory.Repository
	sender *scriptedSender
	dedup  *dedup.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   outboxmemory.New(),
		sender: newScriptedSender(),
		dedup:  dedup.New(kvmemory.New(), telemetry.NewNoopLogger()),
	}
	emitter := events.NewEmitter(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	f.worker = NewWorker(f.repo, f.sender, f.dedup, emitter, telemetry.NewNoopLogger(),
		WithSendRetries(0))
	return f
}

func (f *fixture) save(t *testing.T, texts ...string) {
	t.Helper()
	items := make([]outbox.Item, len(texts))
	for i, text := range texts {
		p := gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: text}
		items[i] = outbox.Item{
			Index:          i,
			Payload:        p,
			IdempotencyKey: outbox.ItemKey("t1", i, p),
		}
	}
	require.NoError(t, f.repo.Save(context.Background(), "c1", "t1", items))
}

func (f *fixture) pending(t *testing.T) []outbox.Item {
	t.Helper()
	items, err := f.repo.LoadPending(context.Background(), "c1", "t1")
	require.NoError(t, err)
	return items
}

func TestDeliverHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first", "second")

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	// In index order, all sent, nothing pending.
	assert.Equal(t, []string{"first", "second"}, f.sender.sent())
	assert.Empty(t, f.pending(t))

	stats, err := f.repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
}

func TestDeliverReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first")

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))
	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	// The second run finds nothing pending and sends nothing.
	assert.Equal(t, []string{"first"}, f.sender.sent())
}

func TestDeliverEmptyTurn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Deliver(context.Background(), "c1", "t1"))
	assert.Empty(t, f.sender.sent())
}

func TestDeliverCrashRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first", "second")

	// The previous worker sent item 0 and marked its idempotency key, then
	// died before the status flip. The rerun converges item 0 without a
	// second send and delivers item 1.
	items := f.pending(t)
	require.NoError(t, f.dedup.MarkIdem(ctx, "c1", items[0].IdempotencyKey))

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	assert.Equal(t, []string{"second"}, f.sender.sent())
	assert.Empty(t, f.pending(t))
}

func TestDeliverTransientFailureHaltsTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first", "second", "third")
	f.sender.failWith("second", &gateway.SendError{Msg: "gateway timeout"})

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	// Item 0 sent; item 1 failed; item 2 untouched behind it.
	assert.Equal(t, []string{"first"}, f.sender.sent())
	pending := f.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, outbox.StatusFailed, pending[0].Status)
	assert.Equal(t, 1, pending[0].Index)
	assert.Equal(t, outbox.StatusQueued, pending[1].Status)

	// Gateway recovers; the next trigger retries the failed item in order.
	f.sender.failWith("second", nil)
	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	assert.Equal(t, []string{"first", "second", "third"}, f.sender.sent())
	assert.Empty(t, f.pending(t))
}

func TestDeliverPermanentFailureContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first", "second")
	f.sender.failWith("first", &gateway.SendError{Permanent: true, Status: 400, Msg: "rejected"})

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	// Item 0 failed permanently; item 1 still went out.
	assert.Equal(t, []string{"second"}, f.sender.sent())
	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Index)
	assert.Equal(t, outbox.StatusFailed, pending[0].Status)
}

func TestDeliverNeverSendsIdemKeyTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, "first")
	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))

	// An operator requeue of an already-sent turn still hits the idem marker.
	_, err := f.repo.RetryFailed(ctx, "c1", "t1")
	require.NoError(t, err)
	items := []outbox.Item{{
		Index:          0,
		Payload:        gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: "first"},
		IdempotencyKey: outbox.ItemKey("t1", 0, gateway.Payload{Recipient: "5511999", Channel: "whatsapp", Text: "first"}),
	}}
	require.NoError(t, f.repo.Save(ctx, "c1", "t1", items))

	require.NoError(t, f.worker.Deliver(ctx, "c1", "t1"))
	assert.Equal(t, []string{"first"}, f.sender.sent())
}

// expiringSender models a gateway call outliving the delivery deadline: it
// cancels the turn's context and reports a timeout.
type expiringSender struct {
	cancel context.CancelFunc
}

func (s *expiringSender) Send(context.Context, gateway.Payload) (gateway.Receipt, error) {
	s.cancel()
	return gateway.Receipt{}, &gateway.SendError{Msg: "request timed out"}
}

func TestDeliverDeadlineDuringSendLeavesItemQueued(t *testing.T) {
	f := newFixture(t)
	f.save(t, "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(f.repo, &expiringSender{cancel: cancel}, f.dedup,
		events.NewEmitter(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics()),
		telemetry.NewNoopLogger(), WithSendRetries(0))

	err := worker.Deliver(ctx, "c1", "t1")
	require.Error(t, err)

	// The deadline is not a gateway verdict: the row stays queued, not failed.
	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, outbox.StatusQueued, pending[0].Status)
}

func TestDeliverDeadline(t *testing.T) {
	f := newFixture(t)
	f.save(t, "first")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.Deliver(ctx, "c1", "t1")
	require.Error(t, err)
	// Nothing was sent and the item stays pending for the next trigger.
	assert.Empty(t, f.sender.sent())
	assert.Len(t, f.pending(t), 1)
}
