package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"nearby-alerts/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export writes notification history as CSV and/or an hourly PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListNotificationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no notifications found for export window")
		return nil
	}
	if len(records) > opts.MaxRows {
		a.Logger.Warn().Int("total", len(records)).Int("max_rows", opts.MaxRows).Msg("export truncated")
		records = records[:opts.MaxRows]
	}
	a.Logger.Info().Int("exported", len(records)).Msg("exporting notifications")

	if opts.CSVPath != "" {
		if err := writeNotificationsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeNotificationsPNG(opts.PNGPath, from, to, records); err != nil {
			return err
		}
	}
	return nil
}

func writeNotificationsCSV(path string, records []storage.NotificationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"fired_at", "notification_id", "activity_id", "title", "body", "distance_m", "delivered", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.FiredAt.UTC().Format(time.RFC3339),
			rec.NotificationID,
			rec.ActivityID,
			rec.Title,
			rec.Body,
			rec.DistanceMeters.StringFixed(2),
			strconv.FormatBool(rec.Delivered),
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// hourlyBuckets counts notifications per hour over [from, to) and averages their distance.
// Hours without notifications are present with zero values.
func hourlyBuckets(from, to time.Time, records []storage.NotificationRecord) ([]time.Time, []float64, []float64) {
	start := from.UTC().Truncate(time.Hour)
	var hours []time.Time
	for h := start; h.Before(to); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}

	counts := make([]float64, len(hours))
	sums := make([]float64, len(hours))
	for _, rec := range records {
		idx := int(rec.FiredAt.UTC().Sub(start) / time.Hour)
		if idx < 0 || idx >= len(hours) {
			continue
		}
		counts[idx]++
		sums[idx] += rec.DistanceMeters.InexactFloat64()
	}

	avg := make([]float64, len(hours))
	for i := range hours {
		if counts[i] > 0 {
			avg[i] = sums[i] / counts[i]
		}
	}
	return hours, counts, avg
}

func writeNotificationsPNG(path string, from, to time.Time, records []storage.NotificationRecord) error {
	hours, counts, avg := hourlyBuckets(from, to, records)
	if len(hours) < 2 {
		return fmt.Errorf("export window %s is too short for a chart; use at least two hours", to.Sub(from))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Notifications per hour",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Mean distance (m)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Notifications",
				XValues: hours,
				YValues: counts,
			},
			chart.TimeSeries{
				Name:    "Mean distance",
				XValues: hours,
				YValues: avg,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
