package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler runs coordination passes on a fixed interval. It tracks whether
// the most recent pass succeeded so liveness probes can surface a degraded
// service.
type Scheduler struct {
	coord    *Coordinator
	logger   *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	ready    atomic.Bool
}

func NewScheduler(coord *Coordinator, logger *slog.Logger, clock clockwork.Clock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{coord: coord, logger: logger, clock: clock, interval: interval}
}

// Ready reports whether the last coordination pass completed without error.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Run executes a pass immediately, then one per interval until the context is
// canceled. Pass failures are logged and retried on the next tick rather than
// stopping the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.coord.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("coordination pass failed", "error", err)
		s.ready.Store(false)
		return
	}
	s.ready.Store(true)
}
