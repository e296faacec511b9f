// Package scheduler runs background jobs on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"nearby-alerts/internal/logging"
)

// TickFunc is invoked on every tick with the time the tick fired.
type TickFunc func(ctx context.Context, at time.Time) error

// Options configure a Scheduler.
type Options struct {
	// Name identifies the job in logs.
	Name     string
	Interval time.Duration
}

// Scheduler runs a periodic job such as the activity refresh or the cooldown purge.
type Scheduler struct {
	name     string
	interval time.Duration
	logger   zerolog.Logger
}

// New constructs a Scheduler. It panics when the interval is not positive.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{
		name:     opts.Name,
		interval: opts.Interval,
		logger:   logging.Component(logger, "scheduler").With().Str("job", opts.Name).Logger(),
	}
}

// Run blocks until ctx is cancelled, calling tick once per interval. The first tick fires
// one interval after Run starts. A slow tick delays the next one instead of queueing
// extra ticks, and tick errors are logged without stopping the job.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-ticker.C:
			at = at.UTC()
			s.logger.Debug().Time("at", at).Msg("tick")
			if err := tick(ctx, at); err != nil {
				s.logger.Error().Err(err).Time("at", at).Msg("tick failed")
			}
		}
	}
}
