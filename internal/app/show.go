package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints the most recent notification audit rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show notifications")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tActivity\tDistance m\tDelivered\tBody\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\t%s\t%s\n",
			rec.FiredAt.UTC().Format(time.RFC3339),
			rec.ActivityID,
			rec.DistanceMeters.StringFixed(1),
			rec.Delivered,
			sanitizeInline(rec.Body),
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	return strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(v)
}
