// Package tracker runs the proximity notification loop: it consumes location fixes,
// matches them against the current activity snapshot, and notifies about nearby
// activities that are not cooling down.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/alerting"
	"nearby-alerts/internal/cooldown"
	"nearby-alerts/internal/geo"
	"nearby-alerts/internal/location"
	"nearby-alerts/internal/logging"
	"nearby-alerts/internal/observability"
	"nearby-alerts/internal/proximity"
	"nearby-alerts/internal/scheduler"
)

var (
	// ErrProviderTransient wraps errors the location provider reports while running.
	ErrProviderTransient = errors.New("tracker: transient provider error")
	// ErrSnapshotUnavailable means a fix arrived before any activity snapshot was loaded.
	ErrSnapshotUnavailable = errors.New("tracker: activity snapshot unavailable")
	// ErrAlreadyRunning is returned by Start when the tracker is not stopped.
	ErrAlreadyRunning = errors.New("tracker: already started")
	// ErrNotRunning is returned by operations that need a running tracker.
	ErrNotRunning = errors.New("tracker: not running")
)

// ActivitySource pushes complete activity sets to the tracker.
type ActivitySource interface {
	OnSnapshot(cb func([]activity.Record))
}

// Presence keeps the host process visible while the tracker runs.
type Presence interface {
	EnterForeground(ctx context.Context, banner alerting.Banner) error
	LeaveForeground(ctx context.Context) error
}

// Options tune tracker behaviour.
type Options struct {
	RadiusMeters   float64
	Cooldown       time.Duration
	FixInterval    time.Duration
	HighAccuracy   bool
	QueueSize      int
	PurgeInterval  time.Duration
	LedgerCapacity int
	Banner         alerting.Banner
	// Clock drives cooldown evaluation and purging. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RadiusMeters <= 0 {
		o.RadiusMeters = proximity.DefaultRadiusMeters
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Minute
	}
	if o.FixInterval <= 0 {
		o.FixInterval = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 8
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = 5 * time.Minute
	}
	if o.Banner == (alerting.Banner{}) {
		o.Banner = alerting.DefaultBanner
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Tracker is the location polling loop.
type Tracker struct {
	opts     Options
	provider location.Provider
	source   ActivitySource
	notifier alerting.Notifier
	presence Presence
	cache    *activity.Cache
	logger   zerolog.Logger
	now      func() time.Time

	// lifecycle serialises Start and Stop.
	lifecycle  sync.Mutex
	state      atomic.Int32
	sourceOnce sync.Once

	// mu guards the per-run resources below.
	mu     sync.RWMutex
	ledger *cooldown.Ledger
	fixes  chan geo.Fix
	handle location.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a stopped Tracker.
func New(opts Options, provider location.Provider, source ActivitySource, notifier alerting.Notifier, presence Presence, logger zerolog.Logger) *Tracker {
	opts = opts.withDefaults()
	t := &Tracker{
		opts:     opts,
		provider: provider,
		source:   source,
		notifier: notifier,
		presence: presence,
		cache:    activity.NewCache(),
		logger:   logging.Component(logger, "tracker"),
		now:      opts.Clock,
	}
	observability.RecordState(Stopped.String(), allStates)
	return t
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

func (t *Tracker) setState(s State) {
	t.state.Store(int32(s))
	observability.RecordState(s.String(), allStates)
	t.logger.Debug().Str("state", s.String()).Msg("state changed")
}

// Snapshot returns the activity snapshot the tracker currently evaluates against.
func (t *Tracker) Snapshot() *activity.Snapshot {
	return t.cache.Current()
}

// Start subscribes to location updates, enters the foreground, and begins processing fixes.
// On failure the tracker returns to Stopped; a refused subscription wraps
// location.ErrPermissionDenied.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State() != Stopped {
		return ErrAlreadyRunning
	}
	t.setState(Starting)

	t.sourceOnce.Do(func() {
		if t.source != nil {
			t.source.OnSnapshot(t.refreshSnapshot)
		}
	})

	ledger := cooldown.NewLedger(cooldown.WithCapacity(t.opts.LedgerCapacity))
	fixes := make(chan geo.Fix, t.opts.QueueSize)
	runCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.ledger = ledger
	t.fixes = fixes
	t.cancel = cancel
	t.mu.Unlock()

	abort := func() {
		cancel()
		t.mu.Lock()
		t.ledger, t.fixes, t.cancel, t.handle = nil, nil, nil, ""
		t.mu.Unlock()
		t.setState(Stopped)
	}

	handle, err := t.provider.Subscribe(ctx, location.Request{
		Interval:     t.opts.FixInterval,
		HighAccuracy: t.opts.HighAccuracy,
	}, t)
	if err != nil {
		abort()
		if errors.Is(err, location.ErrPermissionDenied) {
			t.logger.Warn().Err(err).Msg("location permission denied; tracker stays stopped")
		}
		return fmt.Errorf("subscribe to location updates: %w", err)
	}

	if t.presence != nil {
		if err := t.presence.EnterForeground(ctx, t.opts.Banner); err != nil {
			if unsubErr := t.provider.Unsubscribe(ctx, handle); unsubErr != nil {
				t.logger.Warn().Err(unsubErr).Msg("unsubscribe after failed start")
			}
			abort()
			return fmt.Errorf("enter foreground: %w", err)
		}
	}

	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()

	purger := scheduler.New(scheduler.Options{Name: "cooldown_purge", Interval: t.opts.PurgeInterval}, t.logger)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.work(runCtx, fixes, ledger)
	}()
	go func() {
		defer t.wg.Done()
		_ = purger.Run(runCtx, func(context.Context, time.Time) error {
			t.purge(ledger)
			return nil
		})
	}()

	t.setState(Running)
	t.logger.Info().
		Float64("radius_m", t.opts.RadiusMeters).
		Dur("cooldown", t.opts.Cooldown).
		Dur("fix_interval", t.opts.FixInterval).
		Msg("tracker running")
	return nil
}

// Stop unsubscribes, leaves the foreground, discards queued fixes, and waits for in-flight
// work to finish. It is safe to call in any state.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State() == Stopped {
		return nil
	}
	t.setState(Stopping)

	t.mu.Lock()
	handle, cancel, fixes := t.handle, t.cancel, t.fixes
	t.ledger, t.fixes, t.cancel, t.handle = nil, nil, nil, ""
	t.mu.Unlock()

	var errs []error
	if handle != "" {
		if err := t.provider.Unsubscribe(ctx, handle); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	if t.presence != nil {
		if err := t.presence.LeaveForeground(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leave foreground: %w", err))
		}
	}

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	if dropped := drain(fixes); dropped > 0 {
		observability.RecordFixesDropped(dropped)
		t.logger.Debug().Int("dropped", dropped).Msg("discarded queued fixes")
	}

	t.setState(Stopped)
	t.logger.Info().Msg("tracker stopped")

	if len(errs) > 0 {
		for _, err := range errs {
			t.logger.Warn().Err(err).Msg("stop completed with errors")
		}
		return errors.Join(errs...)
	}
	return nil
}

// Run starts the tracker and keeps it running until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Stop(stopCtx); err != nil {
		t.logger.Error().Err(err).Msg("tracker stop failed")
	}
	return ctx.Err()
}

// Deliver queues a fix for the worker. When the queue is full the oldest queued fix is
// dropped so the provider is never blocked. Fixes arriving while not running are discarded.
func (t *Tracker) Deliver(fix geo.Fix) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := t.State()
	if t.fixes == nil || (state != Running && state != Starting) {
		observability.RecordFixesDropped(1)
		return
	}

	observability.RecordFixReceived()
	if dropped := offer(t.fixes, fix); dropped > 0 {
		observability.RecordFixesDropped(dropped)
		t.logger.Debug().Int("dropped", dropped).Msg("fix queue full; dropped oldest")
	}
}

// Fail logs a provider error. The tracker keeps running and waits for the next fix.
func (t *Tracker) Fail(err error) {
	observability.RecordProviderError()
	t.logger.Warn().Err(fmt.Errorf("%w: %v", ErrProviderTransient, err)).
		Str("state", t.State().String()).
		Msg("location provider error")
}

// HandleFix runs the evaluation pipeline for fix synchronously and returns the activities
// that were notified. It may be called concurrently with queued processing.
func (t *Tracker) HandleFix(ctx context.Context, fix geo.Fix) ([]proximity.Match, error) {
	t.mu.RLock()
	ledger := t.ledger
	t.mu.RUnlock()

	if ledger == nil || t.State() != Running {
		return nil, ErrNotRunning
	}
	return t.process(ctx, fix, ledger), nil
}

func (t *Tracker) work(ctx context.Context, fixes <-chan geo.Fix, ledger *cooldown.Ledger) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-fixes:
			if ctx.Err() != nil {
				return
			}
			t.process(ctx, fix, ledger)
		}
	}
}

func (t *Tracker) process(ctx context.Context, fix geo.Fix, ledger *cooldown.Ledger) []proximity.Match {
	snap := t.cache.Current()
	if snap == nil {
		t.logger.Debug().Err(ErrSnapshotUnavailable).Msg("no candidates for fix")
		return nil
	}

	now := t.now()
	nearby := proximity.FindNearby(fix, snap, t.opts.RadiusMeters)
	fire := proximity.Decide(nearby, now, ledger, t.opts.Cooldown)
	observability.RecordEvaluation(len(nearby), len(fire))

	t.logger.Debug().
		Float64("lat", fix.Point.Lat).
		Float64("lon", fix.Point.Lon).
		Int("candidates", snap.Len()).
		Int("nearby", len(nearby)).
		Int("fire", len(fire)).
		Msg("fix evaluated")

	for _, m := range fire {
		t.dispatch(ctx, m, now)
	}
	return fire
}

func (t *Tracker) dispatch(ctx context.Context, m proximity.Match, now time.Time) {
	note := alerting.Notification{
		ID:             uuid.NewString(),
		ActivityID:     m.Record.ID,
		Title:          NotificationTitle,
		Body:           notificationBody(m.Record),
		Category:       m.Record.Category,
		DistanceMeters: m.DistanceMeters,
		FiredAt:        now.UTC(),
	}

	// The reservation stays committed even if delivery fails.
	if err := t.notifier.Notify(ctx, note); err != nil {
		observability.RecordDeliveryFailure("notifier")
		t.logger.Error().Err(err).Str("activity_id", m.Record.ID).Msg("notification delivery failed")
		return
	}
	t.logger.Info().
		Str("activity_id", m.Record.ID).
		Float64("distance_m", m.DistanceMeters).
		Msg("nearby activity notified")
}

func (t *Tracker) refreshSnapshot(records []activity.Record) {
	t.cache.Refresh(records)
	snap := t.cache.Current()
	observability.RecordSnapshot(snap.Len(), snap.FetchedAt)
	t.logger.Debug().Int("activities", snap.Len()).Msg("snapshot replaced")
}

func (t *Tracker) purge(ledger *cooldown.Ledger) {
	removed := ledger.PurgeOlderThan(t.now().Add(-t.opts.Cooldown))
	observability.RecordLedgerSize(ledger.Len())
	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Msg("cooldown ledger purged")
	}
}

// offer enqueues fix, evicting the oldest queued fix when ch is full.
// It returns the number of fixes dropped.
func offer(ch chan geo.Fix, fix geo.Fix) int {
	select {
	case ch <- fix:
		return 0
	default:
	}

	dropped := 0
	select {
	case <-ch:
		dropped++
	default:
	}

	select {
	case ch <- fix:
	default:
		dropped++
	}
	return dropped
}

func drain(ch chan geo.Fix) int {
	if ch == nil {
		return 0
	}
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

var _ location.Sink = (*Tracker)(nil)
