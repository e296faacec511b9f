package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prune removes notification audit rows older than opts.OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("older-than must be positive")
	}
	// Rows younger than the cooldown may still explain a suppressed notification.
	if opts.OlderThan < a.Config.Tracker.Cooldown {
		return fmt.Errorf("older-than %s is shorter than the cooldown %s", opts.OlderThan, a.Config.Tracker.Cooldown)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().UTC().Add(-opts.OlderThan)

	if opts.DryRun {
		records, err := store.ListNotificationsBetween(ctx, time.Unix(0, 0).UTC(), cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "dry-run: %d notifications fired before %s would be removed\n", len(records), cutoff.Format(time.RFC3339))
		return nil
	}

	removed, err := store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("notification history pruned")
	fmt.Fprintf(a.Out, "removed %d notifications fired before %s\n", removed, cutoff.Format(time.RFC3339))
	return nil
}
