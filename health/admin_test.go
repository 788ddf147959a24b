package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recepta-ai/recepta/config"
	"github.com/recepta-ai/recepta/events"
	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/guards"
	kvmemory "github.com/recepta-ai/recepta/kvstore/memory"
	"github.com/recepta-ai/recepta/outbox"
	outboxmemory "github.com/recepta-ai/recepta/outbox/memory"
	"github.com/recepta-ai/recepta/telemetry"
	"github.com/recepta-ai/recepta/turn"
)

type captureDispatcher struct {
	mu    sync.Mutex
	calls [][2]string
}

func (d *captureDispatcher) Deliver(_ context.Context, cid, tid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [2]string{cid, tid})
	return nil
}

type adminFixture struct {
	srv        *httptest.Server
	repo       *outboxmemory.Repository
	ctrl       *turn.Controller
	guard      *guards.Guard
	dispatcher *captureDispatcher
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	log := telemetry.NewNoopLogger()
	emitter := events.NewEmitter(log, telemetry.NewNoopMetrics())
	kv := kvmemory.New()

	flags, err := config.NewFlagSet("", log)
	require.NoError(t, err)

	f := &adminFixture{
		repo:       outboxmemory.New(),
		ctrl:       turn.NewController(kv, log, emitter),
		guard:      guards.New(kv, log, emitter),
		dispatcher: &captureDispatcher{},
	}
	admin := NewAdmin(f.repo, flags, f.dispatcher, f.ctrl, f.guard, log)
	r := chi.NewRouter()
	r.Route("/admin", admin.Mount)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAdminStats(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.repo.Save(context.Background(), "c1", "t1", []outbox.Item{
		{Index: 0, Payload: gateway.Payload{Text: "oi"}, IdempotencyKey: "k0"},
	}))

	var stats outbox.Stats
	code := getJSON(t, f.srv.URL+"/admin/stats", &stats)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, stats.Queued)
}

func TestAdminFlags(t *testing.T) {
	f := newAdminFixture(t)

	var flags config.Flags
	code := getJSON(t, f.srv.URL+"/admin/flags", &flags)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, flags.MainPipelineEnabled)
	assert.False(t, flags.TurnGuardOnly)
}

func TestAdminTurnBuffer(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Append(ctx, "5511999", "M1", "oi", 1000))
	require.NoError(t, f.ctrl.Append(ctx, "5511999", "M2", "bom dia", 1400))

	var body struct {
		Phone    string         `json:"phone"`
		Messages []turn.Message `json:"messages"`
	}
	code := getJSON(t, f.srv.URL+"/admin/turns/5511999", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5511999", body.Phone)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "M1", body.Messages[0].MsgID)

	// Peeking does not consume the buffer.
	tr, err := f.ctrl.FlushIfQuiet(ctx, "5511999", 60_000)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Len(t, tr.Messages, 2)
}

func TestAdminGuardCounters(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.guard.CheckRecursion(ctx, "c1")
		require.NoError(t, err)
	}

	var body struct {
		ConversationID string `json:"conversation_id"`
		RecursionCount int64  `json:"recursion_count"`
	}
	code := getJSON(t, f.srv.URL+"/admin/guards/c1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(3), body.RecursionCount)

	// Unknown conversations read as zero.
	code = getJSON(t, f.srv.URL+"/admin/guards/c2", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Zero(t, body.RecursionCount)
}

func TestAdminRetry(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Save(ctx, "c1", "t1", []outbox.Item{
		{Index: 0, Payload: gateway.Payload{Text: "oi"}, IdempotencyKey: "k0"},
	}))
	require.NoError(t, f.repo.MarkFailed(ctx, "c1", "t1", 0, "gateway down"))

	resp, err := http.Post(f.srv.URL+"/admin/outbox/c1/t1/retry", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body["requeued"])

	// The retry re-triggered delivery for the turn.
	require.Len(t, f.dispatcher.calls, 1)
	assert.Equal(t, [2]string{"c1", "t1"}, f.dispatcher.calls[0])
}
