// Package schedule runs the reconciliation engine on a fixed interval.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dylzzzzz/actual-budget-system/internal/reconcile"
)

// Runner is the subset of the engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (reconcile.Result, error)
}

// Scheduler triggers a run every interval. Ticks that land while a run is
// still active are skipped, never queued.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      zerolog.Logger
}

// New creates a scheduler. An interval of zero disables it; Start then
// returns immediately.
func New(runner Runner, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, log: log}
}

// Start blocks until ctx is cancelled, triggering a run on every tick.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info().Msg("Scheduler disabled, runs are trigger-only")
		return
	}

	s.log.Info().Dur("interval", s.interval).Msg("Scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			res, err := s.runner.Run(ctx)
			if err != nil {
				if errors.Is(err, reconcile.ErrRunInProgress) {
					s.log.Warn().Msg("Skipping scheduled run, previous run still active")
					continue
				}
				s.log.Error().Err(err).Msg("Scheduled run failed")
				continue
			}
			s.log.Info().
				Int("processed", res.Processed).
				Int("submitted", res.Submitted).
				Int("failed", res.Failed).
				Msg("Scheduled run completed")
		}
	}
}
