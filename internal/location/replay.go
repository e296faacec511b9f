package location

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nearby-alerts/internal/geo"
	"nearby-alerts/internal/logging"
)

// Replay pushes fixes read from a CSV file (latitude,longitude per row) at the requested
// interval. It is used to drive the tracker from recorded tracks.
type Replay struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[Handle]*subscription
}

// NewReplay constructs a file-backed provider.
func NewReplay(path string, logger zerolog.Logger) *Replay {
	return &Replay{
		path:   path,
		logger: logging.Component(logger, "location_replay"),
		subs:   make(map[Handle]*subscription),
	}
}

// Subscribe loads the track and starts replaying it into sink.
func (r *Replay) Subscribe(_ context.Context, req Request, sink Sink) (Handle, error) {
	points, err := r.load()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return "", err
	}

	interval := req.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	h := newHandle()

	r.mu.Lock()
	r.subs[h] = sub
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i, p := range points {
			if i > 0 {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
			}
			sink.Deliver(geo.Fix{Point: p, ObservedAt: time.Now().UTC()})
		}
		r.logger.Info().Int("fixes", len(points)).Msg("replay finished")
	}()

	return h, nil
}

// Unsubscribe stops the replay behind handle.
func (r *Replay) Unsubscribe(ctx context.Context, handle Handle) error {
	r.mu.Lock()
	sub, ok := r.subs[handle]
	delete(r.subs, handle)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	sub.cancel()
	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replay) load() ([]geo.Point, error) {
	if r.path == "" {
		return nil, errors.New("replay file not configured")
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()
	return ParseTrack(f)
}

// ParseTrack reads latitude,longitude rows. A header row is skipped when present.
func ParseTrack(in io.Reader) ([]geo.Point, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var points []geo.Point
	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("line %d: expected latitude,longitude", line)
		}

		lat, latErr := strconv.ParseFloat(row[0], 64)
		lon, lonErr := strconv.ParseFloat(row[1], 64)
		if latErr != nil || lonErr != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: invalid coordinates", line)
		}

		p := geo.Point{Lat: lat, Lon: lon}
		if !p.Valid() {
			return nil, fmt.Errorf("line %d: coordinates out of range: %s", line, p)
		}
		points = append(points, p)
	}
	return points, nil
}

var _ Provider = (*Replay)(nil)
