package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nearby-alerts/internal/logging"
	"nearby-alerts/internal/scheduler"
)

// Fetcher retrieves the full set of known activities.
type Fetcher interface {
	FetchActivities(ctx context.Context) ([]Record, error)
}

// Poller refreshes activities on a schedule and fans complete sets out to subscribers.
type Poller struct {
	fetcher Fetcher
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	callbacks []func([]Record)
	last      []Record
	haveLast  bool
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithClock sets the clock used to decide which activities have expired.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPoller constructs a Poller. sched may be nil when only manual Refresh calls are used.
func NewPoller(fetcher Fetcher, sched *scheduler.Scheduler, logger zerolog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher: fetcher,
		sched:   sched,
		logger:  logging.Component(logger, "activity_poller"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnSnapshot registers cb for every future refresh. If a set was already fetched it is
// delivered immediately.
func (p *Poller) OnSnapshot(cb func([]Record)) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, cb)
	last, ok := p.last, p.haveLast
	p.mu.Unlock()

	if ok {
		cb(last)
	}
}

// Refresh fetches the current activities, drops expired ones, and notifies subscribers.
func (p *Poller) Refresh(ctx context.Context) error {
	records, err := p.fetcher.FetchActivities(ctx)
	if err != nil {
		return fmt.Errorf("fetch activities: %w", err)
	}

	active := Active(records, p.now())

	p.mu.Lock()
	p.last = active
	p.haveLast = true
	callbacks := append(([]func([]Record))(nil), p.callbacks...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(active)
	}

	p.logger.Debug().Int("fetched", len(records)).Int("active", len(active)).Msg("activities refreshed")
	return nil
}

// Run performs an initial refresh and then refreshes on every scheduler tick until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	if p.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if err := p.Refresh(ctx); err != nil {
		p.logger.Error().Err(err).Msg("initial activity refresh failed")
	}

	return p.sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return p.Refresh(ctx)
	})
}
