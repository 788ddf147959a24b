// Package telemetry defines the observability contracts injected into every
// pipeline component. Components receive a Logger and a Metrics recorder at
// construction time and never reach for globals, so tests can substitute
// lightweight stubs and production wiring stays in cmd/recepta.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the turn pipeline.
// Implementations typically delegate to Clue but the interface is intentionally
// small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for pipeline instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}
