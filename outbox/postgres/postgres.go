// Package postgres implements the authoritative outbox repository on a
// relational store. Idempotent saves ride on the primary-key ON CONFLICT DO
// NOTHING clause, and the queued->sent flip is a conditional UPDATE so
// concurrent deliveries of one item serialize with exactly one winner.
//
// The package is written against database/sql via sqlx and the pgx stdlib
// driver; schema management is embedded goose migrations (see Migrate).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	// Registers the "pgx" database/sql driver used by Open.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/outbox"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repository is the Postgres-backed outbox.
type Repository struct {
	db *sqlx.DB
}

// Compile-time check that Repository implements outbox.Repository.
var _ outbox.Repository = (*Repository)(nil)

// Open connects to Postgres with the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Repository{db: db}, nil
}

// New wraps an existing database handle. Tests use it with sqlmock.
func New(db *sql.DB) *Repository {
	return &Repository{db: sqlx.NewDb(db, "pgx")}
}

// DB exposes the underlying handle for health pings.
func (r *Repository) DB() *sqlx.DB { return r.db }

// Close releases the connection pool.
func (r *Repository) Close() error { return r.db.Close() }

// Migrate applies the embedded schema migrations.
func (r *Repository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, r.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply outbox migrations: %w", err)
	}
	return nil
}

// itemRow is the scan target for outbox_items rows.
type itemRow struct {
	ConversationID    string          `db:"conversation_id"`
	TurnID            string          `db:"turn_id"`
	ItemIndex         int             `db:"item_index"`
	Payload           json.RawMessage `db:"payload"`
	Status            string          `db:"status"`
	IdempotencyKey    string          `db:"idempotency_key"`
	CreatedAt         time.Time       `db:"created_at"`
	SentAt            sql.NullTime    `db:"sent_at"`
	ProviderMessageID sql.NullString  `db:"provider_message_id"`
	Reason            sql.NullString  `db:"reason"`
}

func (row itemRow) toItem() (outbox.Item, error) {
	var payload gateway.Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return outbox.Item{}, fmt.Errorf("decode payload for %s/%s[%d]: %w", row.ConversationID, row.TurnID, row.ItemIndex, err)
	}
	item := outbox.Item{
		ConversationID: row.ConversationID,
		TurnID:         row.TurnID,
		Index:          row.ItemIndex,
		Payload:        payload,
		IdempotencyKey: row.IdempotencyKey,
		Status:         outbox.Status(row.Status),
		CreatedAt:      row.CreatedAt,
	}
	if row.SentAt.Valid {
		t := row.SentAt.Time
		item.SentAt = &t
	}
	if row.ProviderMessageID.Valid {
		item.ProviderMessageID = row.ProviderMessageID.String
	}
	if row.Reason.Valid {
		item.Reason = row.Reason.String
	}
	return item, nil
}

const insertItemSQL = `
INSERT INTO outbox_items (conversation_id, turn_id, item_index, payload, status, idempotency_key)
VALUES ($1, $2, $3, $4, 'queued', $5)
ON CONFLICT (conversation_id, turn_id, item_index) DO NOTHING`

// Save inserts the items in one transaction; rows that already exist for the
// primary key are left untouched so replayed saves are no-ops.
func (r *Repository) Save(ctx context.Context, conversationID, turnID string, items []outbox.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, it := range items {
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for item %d: %w", it.Index, err)
		}
		if _, err := tx.ExecContext(ctx, insertItemSQL,
			conversationID, turnID, it.Index, payload, it.IdempotencyKey,
		); err != nil {
			return fmt.Errorf("insert item %d: %w", it.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

const loadPendingSQL = `
SELECT conversation_id, turn_id, item_index, payload, status, idempotency_key,
       created_at, sent_at, provider_message_id, reason
FROM outbox_items
WHERE conversation_id = $1 AND turn_id = $2 AND status IN ('queued', 'failed')
ORDER BY item_index`

// LoadPending returns the turn's items in {queued, failed} ordered by index.
func (r *Repository) LoadPending(ctx context.Context, conversationID, turnID string) ([]outbox.Item, error) {
	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, loadPendingSQL, conversationID, turnID); err != nil {
		return nil, fmt.Errorf("load pending for %s/%s: %w", conversationID, turnID, err)
	}
	items := make([]outbox.Item, 0, len(rows))
	for _, row := range rows {
		item, err := row.toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

const markSentSQL = `
UPDATE outbox_items
SET status = 'sent', sent_at = NOW(), provider_message_id = $4, reason = NULL
WHERE conversation_id = $1 AND turn_id = $2 AND item_index = $3
  AND status IN ('queued', 'failed')`

// MarkSent conditionally flips the item to sent; a row already sent is left
// untouched and the flip reports false.
func (r *Repository) MarkSent(ctx context.Context, conversationID, turnID string, index int, providerMessageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, markSentSQL, conversationID, turnID, index, nullable(providerMessageID))
	if err != nil {
		return false, fmt.Errorf("mark sent %s/%s[%d]: %w", conversationID, turnID, index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sent rows affected: %w", err)
	}
	return n > 0, nil
}

const markFailedSQL = `
UPDATE outbox_items
SET status = 'failed', reason = $4
WHERE conversation_id = $1 AND turn_id = $2 AND item_index = $3
  AND status = 'queued'`

// MarkFailed flips a queued item to failed with the given reason.
func (r *Repository) MarkFailed(ctx context.Context, conversationID, turnID string, index int, reason string) error {
	if _, err := r.db.ExecContext(ctx, markFailedSQL, conversationID, turnID, index, reason); err != nil {
		return fmt.Errorf("mark failed %s/%s[%d]: %w", conversationID, turnID, index, err)
	}
	return nil
}

const retryFailedSQL = `
UPDATE outbox_items
SET status = 'queued', reason = NULL
WHERE conversation_id = $1 AND turn_id = $2 AND status = 'failed'`

// RetryFailed re-queues the turn's failed items (operator action).
func (r *Repository) RetryFailed(ctx context.Context, conversationID, turnID string) (int, error) {
	res, err := r.db.ExecContext(ctx, retryFailedSQL, conversationID, turnID)
	if err != nil {
		return 0, fmt.Errorf("retry failed %s/%s: %w", conversationID, turnID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed rows affected: %w", err)
	}
	return int(n), nil
}

const statsSQL = `
SELECT
    COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0) AS queued,
    COALESCE(SUM(CASE WHEN status = 'sent'   THEN 1 ELSE 0 END), 0) AS sent,
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
FROM outbox_items`

// Stats reports queue depths by status.
func (r *Repository) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats
	row := r.db.QueryRowxContext(ctx, statsSQL)
	if err := row.Scan(&stats.Queued, &stats.Sent, &stats.Failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Stats{}, nil
		}
		return outbox.Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

const purgeSentSQL = `
DELETE FROM outbox_items
WHERE status = 'sent' AND sent_at < NOW() - $1::interval`

// PurgeSent deletes sent rows older than the retention window. Run from the
// janitor; returns the number of rows removed.
func (r *Repository) PurgeSent(ctx context.Context, retention time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, purgeSentSQL, fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sent rows affected: %w", err)
	}
	return int(n), nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
