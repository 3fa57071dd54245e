// Package scheduler drives one goroutine per strategy instance (C6): each
// strategy ticks on its own cadence, ticks never interleave for a given
// strategy, a tick that exceeds min(refresh_interval, 5s) is abandoned, and
// three consecutive tick failures move the strategy to the error status.
//
// Grounded on the donor's internal/workers/pool.go executeTask: a
// timeout context plus a child goroutine racing a done channel, with
// recover() converting a panic into a typed error instead of crashing the
// process. Unlike that pool, scheduling here is one goroutine per strategy
// rather than a shared worker pool, because ticks must never interleave for
// the same strategy and each strategy has its own configurable cadence.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/hiveerr"
)

// MaxTickDeadline is the hard ceiling applied even if refresh_interval is
// larger.
const MaxTickDeadline = 5 * time.Second

// FailureThreshold is the number of consecutive tick failures after which a
// strategy's status moves to error.
const FailureThreshold = 3

// Ticker is the capability the scheduler drives; registry.Registry
// implements it.
type Ticker interface {
	Tick(ctx context.Context, name string) error
}

// ErrorMarker is an optional capability a Ticker may also implement,
// letting the scheduler push a strategy to the error status once it has
// exceeded FailureThreshold consecutive tick failures. registry.Registry
// implements this.
type ErrorMarker interface {
	MarkError(name string, cause error)
}

// TickRecorder observes tick outcomes for the control plane's /metrics
// endpoint. Optional: a nil Recorder disables recording.
type TickRecorder interface {
	ObserveTick(strategyName string, success bool)
}

type task struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler is the C6 component.
type Scheduler struct {
	logger   *zap.Logger
	ticker   Ticker
	recorder TickRecorder

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Scheduler bound to ticker, which is invoked once per
// cadence per registered strategy. recorder may be nil.
func New(logger *zap.Logger, ticker Ticker, recorder TickRecorder) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		ticker:   ticker,
		recorder: recorder,
		tasks:    make(map[string]*task),
	}
}

// Register starts a per-strategy goroutine ticking every interval. Safe to
// call once per strategy name; a second call for the same name is a no-op
// until Unregister is called.
func (s *Scheduler) Register(name string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{name: name, interval: interval, cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = t

	go s.run(ctx, t)
}

// Unregister stops the per-strategy goroutine and waits for it to exit.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	t, exists := s.tasks[name]
	if exists {
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	t.cancel()
	<-t.done
}

// StopAll stops every running strategy goroutine, used during graceful
// shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.Unregister(name)
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer close(t.done)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.executeTick(ctx, t.name, t.interval); err != nil {
				consecutiveFailures++
				s.logger.Warn("strategy tick failed", zap.String("strategy", t.name), zap.Int("consecutive_failures", consecutiveFailures), zap.Error(err))
				if consecutiveFailures >= FailureThreshold {
					s.logger.Error("strategy exceeded consecutive failure threshold", zap.String("strategy", t.name))
					if marker, ok := s.ticker.(ErrorMarker); ok {
						marker.MarkError(t.name, err)
					}
				}
				if s.recorder != nil {
					s.recorder.ObserveTick(t.name, false)
				}
			} else {
				consecutiveFailures = 0
				if s.recorder != nil {
					s.recorder.ObserveTick(t.name, true)
				}
			}
			// At most one catch-up tick: the timer is reset to the full
			// interval from now rather than from the missed deadline, so a
			// slow tick never causes a burst of queued ticks.
			timer.Reset(t.interval)
		}
	}
}

// executeTick runs one tick with a hard deadline and panic recovery,
// mirroring the donor's executeTask shape.
func (s *Scheduler) executeTick(ctx context.Context, name string, interval time.Duration) error {
	deadline := MaxTickDeadline
	if interval < deadline {
		deadline = interval
	}
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- hiveerr.New(hiveerr.KindInvalidConfig, "scheduler.executeTick", panicError{r})
			}
		}()
		done <- s.ticker.Tick(tickCtx, name)
	}()

	select {
	case err := <-done:
		return err
	case <-tickCtx.Done():
		return hiveerr.New(hiveerr.KindAdapterTimeout, "scheduler.executeTick", tickCtx.Err())
	}
}

type panicError struct{ recovered interface{} }

func (e panicError) Error() string { return "strategy tick panicked" }
