package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/alerting"
	"nearby-alerts/internal/geo"
	"nearby-alerts/internal/location"
	"nearby-alerts/internal/tracker"
)

// Simulate loads the current activities, runs the tracker on a manual provider, and
// evaluates the given position. With opts.At set, activity expiry and cooldowns are
// evaluated as of that instant. Notifications go through the configured channels.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	point := geo.Point{Lat: opts.Lat, Lon: opts.Lon}
	if !point.Valid() {
		return fmt.Errorf("coordinates out of range: %s", point)
	}
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}
	clock := func() time.Time { return time.Now().UTC() }
	if opts.At != nil {
		at := opts.At.UTC()
		clock = func() time.Time { return at }
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	fetcher, err := a.newActivityFetcher(store)
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	poller := activity.NewPoller(fetcher, nil, a.Logger, activity.WithClock(clock))
	if err := poller.Refresh(ctx); err != nil {
		return err
	}

	provider := location.NewManual()
	presence := alerting.NewPresence(nil, false, a.Logger)
	trackerOpts := a.trackerOptions()
	trackerOpts.Clock = clock
	trk := tracker.New(trackerOpts, provider, poller, notifier, presence, a.Logger)

	if err := trk.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := trk.Stop(context.Background()); err != nil {
			a.Logger.Warn().Err(err).Msg("stop simulated tracker")
		}
	}()

	snap := trk.Snapshot()
	if snap == nil {
		return errors.New("no activity snapshot loaded")
	}
	fmt.Fprintf(a.Out, "evaluating %s at %s against %d activities (radius %.0f m)\n",
		point, clock().Format(time.RFC3339), snap.Len(), a.Config.Tracker.RadiusMeters)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Attempt\tActivity\tName\tType\tDistance m")

	fix := geo.Fix{Point: point, ObservedAt: clock()}
	total := 0
	for i := 1; i <= opts.Repeat; i++ {
		fired, err := trk.HandleFix(ctx, fix)
		if err != nil {
			return err
		}
		if len(fired) == 0 {
			fmt.Fprintf(writer, "%d\t-\t-\t-\t-\n", i)
			continue
		}
		for _, m := range fired {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%.1f\n", i, m.Record.ID, m.Record.DisplayName, m.Record.Category, m.DistanceMeters)
		}
		total += len(fired)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	a.Logger.Info().Int("notified", total).Int("attempts", opts.Repeat).Msg("simulation finished")
	return nil
}
