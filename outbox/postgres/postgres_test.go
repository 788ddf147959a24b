package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/outbox"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func payloadJSON(t *testing.T, p gateway.Payload) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestSave(t *testing.T) {
	repo, mock := newMockRepo(t)
	items := []outbox.Item{
		{Index: 0, Payload: gateway.Payload{Recipient: "5511999", Text: "first"}, IdempotencyKey: "k0"},
		{Index: 1, Payload: gateway.Payload{Recipient: "5511999", Text: "second"}, IdempotencyKey: "k1"},
	}

	mock.ExpectBegin()
	insert := regexp.QuoteMeta(insertItemSQL)
	mock.ExpectExec(insert).
		WithArgs("c1", "t1", 0, payloadJSON(t, items[0].Payload), "k0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("c1", "t1", 1, payloadJSON(t, items[1].Payload), "k1").
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict: row kept
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), "c1", "t1", items))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertItemSQL)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.Save(context.Background(), "c1", "t1", []outbox.Item{
		{Index: 0, Payload: gateway.Payload{Text: "first"}, IdempotencyKey: "k0"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPending(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Now()

	cols := []string{
		"conversation_id", "turn_id", "item_index", "payload", "status",
		"idempotency_key", "created_at", "sent_at", "provider_message_id", "reason",
	}
	rows := sqlmock.NewRows(cols).
		AddRow("c1", "t1", 0, payloadJSON(t, gateway.Payload{Text: "first"}), "queued", "k0", created, nil, nil, nil).
		AddRow("c1", "t1", 1, payloadJSON(t, gateway.Payload{Text: "second"}), "failed", "k1", created, nil, nil, "gateway timeout")
	mock.ExpectQuery(regexp.QuoteMeta(loadPendingSQL)).
		WithArgs("c1", "t1").
		WillReturnRows(rows)

	items, err := repo.LoadPending(context.Background(), "c1", "t1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, outbox.StatusQueued, items[0].Status)
	assert.Equal(t, "first", items[0].Payload.Text)
	assert.Equal(t, outbox.StatusFailed, items[1].Status)
	assert.Equal(t, "gateway timeout", items[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent(t *testing.T) {
	repo, mock := newMockRepo(t)
	update := regexp.QuoteMeta(markSentSQL)

	mock.ExpectExec(update).
		WithArgs("c1", "t1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	flipped, err := repo.MarkSent(context.Background(), "c1", "t1", 0, "PROV0")
	require.NoError(t, err)
	assert.True(t, flipped)

	// Already sent: conditional update touches no rows.
	mock.ExpectExec(update).
		WithArgs("c1", "t1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	flipped, err = repo.MarkSent(context.Background(), "c1", "t1", 0, "PROV0")
	require.NoError(t, err)
	assert.False(t, flipped)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(markFailedSQL)).
		WithArgs("c1", "t1", 1, "gateway timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "c1", "t1", 1, "gateway timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(retryFailedSQL)).
		WithArgs("c1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RetryFailed(context.Background(), "c1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(statsSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"queued", "sent", "failed"}).AddRow(3, 10, 1))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Queued: 3, Sent: 10, Failed: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeSent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(purgeSentSQL)).
		WithArgs("604800 seconds").
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.PurgeSent(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
