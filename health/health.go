// Package health exposes the liveness, readiness and admin surface. Liveness
// checks that ingress can enqueue (coordination store) and delivery can read
// pending items (authoritative outbox); readiness fails whenever the
// authoritative outbox store is unreachable.
package health

import (
	"context"
	"net/http"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/go-chi/chi/v5"
)

// RedisPinger reports the coordination store's reachability.
type RedisPinger struct {
	client *goredis.Client
}

// Compile-time check that RedisPinger implements health.Pinger.
var _ health.Pinger = (*RedisPinger)(nil)

// NewRedisPinger wraps the client.
func NewRedisPinger(client *goredis.Client) *RedisPinger {
	return &RedisPinger{client: client}
}

// Name implements health.Pinger.
func (p *RedisPinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p *RedisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// DBPinger reports the authoritative outbox store's reachability.
type DBPinger struct {
	db *sqlx.DB
}

// Compile-time check that DBPinger implements health.Pinger.
var _ health.Pinger = (*DBPinger)(nil)

// NewDBPinger wraps the handle.
func NewDBPinger(db *sqlx.DB) *DBPinger {
	return &DBPinger{db: db}
}

// Name implements health.Pinger.
func (p *DBPinger) Name() string { return "postgres" }

// Ping implements health.Pinger.
func (p *DBPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Mount registers the probes: /healthz over the live pingers, /readyz over
// the ready pingers.
func Mount(r chi.Router, live, ready []health.Pinger) {
	r.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(live...)))
	r.Method(http.MethodGet, "/readyz", health.Handler(health.NewChecker(ready...)))
}
