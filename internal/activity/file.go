package activity

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"nearby-alerts/internal/geo"
)

var fileColumns = []string{"id", "name", "type", "latitude", "longitude", "event_time"}

// FileSource reads activities from a CSV file with the header
// id,name,type,latitude,longitude,event_time. Empty coordinates or event_time are allowed.
type FileSource struct {
	path string
}

// NewFileSource constructs a CSV-backed Fetcher.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// FetchActivities re-reads the file on every call so edits are picked up by the poller.
func (f *FileSource) FetchActivities(ctx context.Context) ([]Record, error) {
	if f.path == "" {
		return nil, errors.New("activities file not configured")
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open activities file: %w", err)
	}
	defer file.Close()

	return ParseCSV(file)
}

// ParseCSV decodes activity records from r.
func ParseCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range fileColumns[:3] {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	records := make([]Record, 0)
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec := Record{
			ID:          field(row, "id"),
			DisplayName: field(row, "name"),
			Category:    field(row, "type"),
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("line %d: empty id", line)
		}

		lat, lon := field(row, "latitude"), field(row, "longitude")
		if lat != "" && lon != "" {
			point, err := parsePoint(lat, lon)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			rec.Location = &point
		}

		if ts := field(row, "event_time"); ts != "" {
			at, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("line %d: parse event_time: %w", line, err)
			}
			rec.EventAt = &at
		}

		records = append(records, rec)
	}

	return records, nil
}

func parsePoint(lat, lon string) (geo.Point, error) {
	latV, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("parse latitude: %w", err)
	}
	lonV, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("parse longitude: %w", err)
	}
	point := geo.Point{Lat: latV, Lon: lonV}
	if !point.Valid() {
		return geo.Point{}, fmt.Errorf("coordinates out of range: %s", point)
	}
	return point, nil
}
