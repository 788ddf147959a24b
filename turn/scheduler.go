package turn

import (
	"context"
	"sync"
	"time"

	"github.com/recepta-ai/recepta/telemetry"
)

// Handler runs the pipeline for a flushed turn. The scheduler invokes it only
// under the turn lock.
type Handler func(ctx context.Context, t *Turn) error

// Scheduler turns ingress-side flush requests into deferred flush attempts on
// a bounded worker pool. Ingress never blocks on pipeline load: when the pool
// queue is full the attempt is dropped and the buffer waits for the next
// append or its TTL.
type Scheduler struct {
	ctrl    *Controller
	handler Handler
	log     telemetry.Logger

	jobs chan string
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// Injectable clock and timer for tests.
	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithQueueSize overrides the flush queue capacity.
func WithQueueSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.jobs = make(chan string, n) }
}

// WithClock replaces the scheduler clock for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc replaces the deferred-flush timer for tests.
func WithAfterFunc(after func(d time.Duration, f func()) *time.Timer) SchedulerOption {
	return func(s *Scheduler) { s.after = after }
}

// NewScheduler starts workers draining the flush queue. Close stops them.
func NewScheduler(ctrl *Controller, handler Handler, log telemetry.Logger, workers int, opts ...SchedulerOption) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		ctrl:    ctrl,
		handler: handler,
		log:     log,
		jobs:    make(chan string, 4*workers),
		now:     time.Now,
		after:   time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// ScheduleFlush arms a flush attempt for the phone after the debounce window.
// Each inbound append schedules its own attempt; early attempts see a hot
// buffer and return without consuming it, so only the attempt after the last
// message of a burst flushes.
func (s *Scheduler) ScheduleFlush(phone string) {
	s.after(s.ctrl.Debounce()+50*time.Millisecond, func() {
		s.enqueue(phone)
	})
}

func (s *Scheduler) enqueue(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- phone:
	default:
		s.log.Warn(context.Background(), "flush queue full, attempt dropped", "phone", phone)
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for phone := range s.jobs {
		s.flush(phone)
	}
}

// flush attempts to consume the phone's buffer and run the handler under the
// turn lock. Not holding the lock is not an error: the holder's flush covers
// the buffer, and a leftover buffer is retried on the next append.
func (s *Scheduler) flush(phone string) {
	ctx := context.Background()
	_, err := s.ctrl.WithLock(ctx, phone, func(ctx context.Context) error {
		t, err := s.ctrl.FlushIfQuiet(ctx, phone, s.now().UnixMilli())
		if err != nil || t == nil {
			return err
		}
		return s.handler(ctx, t)
	})
	if err != nil {
		s.log.Error(ctx, "turn flush failed", "phone", phone, "err", err)
	}
}

// Close stops accepting flush attempts and waits for in-flight ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
}
