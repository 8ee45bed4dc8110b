// Package pipeline runs the batch stages on a fixed schedule for serve mode.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Backoff bounds after a failed cycle.
const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 5 * time.Minute
)

// Stage is one step of a cycle. Stages find their own pending work through
// the ledger, so a failed stage never blocks the ones after it.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs every stage in order once per interval.
type Scheduler struct {
	stages   []Stage
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	ready    atomic.Bool
}

// New creates a Scheduler.
func New(stages []Stage, interval time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		stages:   stages,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// CheckReadiness returns nil once a full cycle has run, or an error
// describing why the service is not yet ready.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("scheduler has not completed a cycle yet")
	}
	return nil
}

// Run executes cycles until the context is cancelled. After a failed cycle
// the next one starts sooner, backing off exponentially up to the interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "stages", len(s.stages))
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	backoff := min(initialBackoff, s.interval)
	limit := min(maxBackoff, s.interval)

	for {
		err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		}
		s.ready.Store(true)

		wait := s.interval
		if err != nil {
			wait = backoff
			backoff = nextBackoff(backoff, limit)
			s.logger.Warn("cycle failed, retrying early", "retry_in", wait, "error", err)
		} else {
			backoff = min(initialBackoff, s.interval)
		}

		if !s.sleep(ctx, wait) {
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// RunCycle runs every stage once, in order, and joins their errors.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := s.clock.Now()
	var errs []error
	for _, st := range s.stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := st.Run(ctx); err != nil {
			s.logger.Error("stage failed", "stage", st.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		}
	}
	s.logger.Info("cycle finished", "duration", s.clock.Since(start), "failed_stages", len(errs))
	return errors.Join(errs...)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
