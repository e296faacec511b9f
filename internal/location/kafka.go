package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"nearby-alerts/internal/geo"
	"nearby-alerts/internal/logging"
)

// Reader exposes the subset of kafka.Reader used by the provider.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaOptions parameterise the Kafka location provider.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	GroupID string
	// UserID restricts delivery to fixes published for this user; empty accepts all.
	UserID            string
	MaxAccuracyMeters float64
	RetryBackoff      time.Duration
}

// fixMessage is the JSON payload published by devices on the location topic.
type fixMessage struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// Kafka consumes device location fixes from a Kafka topic.
type Kafka struct {
	opts   KafkaOptions
	logger zerolog.Logger

	newReader func() Reader
	probe     func(ctx context.Context) error

	mu   sync.Mutex
	subs map[Handle]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafka constructs a Kafka-backed provider.
func NewKafka(opts KafkaOptions, logger zerolog.Logger) *Kafka {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	k := &Kafka{
		opts:   opts,
		logger: logging.Component(logger, "location_kafka"),
		subs:   make(map[Handle]*subscription),
	}
	k.newReader = k.defaultReader
	k.probe = k.defaultProbe
	return k
}

func (k *Kafka) defaultReader() Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.opts.Brokers,
		GroupID:        k.opts.GroupID,
		Topic:          k.opts.Topic,
		MinBytes:       1,
		MaxBytes:       1e6,
		CommitInterval: time.Second,
	})
}

func (k *Kafka) defaultProbe(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.opts.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ReadPartitions(k.opts.Topic)
	return err
}

// Subscribe verifies the topic is readable and starts pushing fixes to sink.
func (k *Kafka) Subscribe(ctx context.Context, req Request, sink Sink) (Handle, error) {
	if len(k.opts.Brokers) == 0 || k.opts.Topic == "" {
		return "", errors.New("kafka brokers and topic must be configured")
	}

	if err := k.probe(ctx); err != nil {
		if isAuthorizationError(err) {
			return "", fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return "", fmt.Errorf("probe location topic: %w", err)
	}

	reader := k.newReader()
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	h := newHandle()
	k.mu.Lock()
	k.subs[h] = sub
	k.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer reader.Close()
		k.consume(runCtx, reader, req, sink)
	}()

	k.logger.Info().Str("topic", k.opts.Topic).Str("handle", string(h)).Msg("location subscription started")
	return h, nil
}

// Unsubscribe stops the consumer behind handle and waits for it to exit.
func (k *Kafka) Unsubscribe(ctx context.Context, handle Handle) error {
	k.mu.Lock()
	sub, ok := k.subs[handle]
	delete(k.subs, handle)
	k.mu.Unlock()
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

func (k *Kafka) consume(ctx context.Context, reader Reader, req Request, sink Sink) {
	var last time.Time
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sink.Fail(fmt.Errorf("fetch location: %w", err))
			if !sleepCtx(ctx, k.opts.RetryBackoff) {
				return
			}
			continue
		}

		fix, accepted, decodeErr := k.decode(msg, req)
		if decodeErr != nil {
			k.logger.Warn().Err(decodeErr).Int64("offset", msg.Offset).Msg("discarding malformed location message")
		} else if accepted && (last.IsZero() || fix.ObservedAt.Sub(last) >= req.Interval) {
			last = fix.ObservedAt
			sink.Deliver(fix)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit location message failed")
		}
	}
}

func (k *Kafka) decode(msg kafka.Message, req Request) (geo.Fix, bool, error) {
	var payload fixMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return geo.Fix{}, false, fmt.Errorf("decode location payload: %w", err)
	}

	point := geo.Point{Lat: payload.Latitude, Lon: payload.Longitude}
	if !point.Valid() {
		return geo.Fix{}, false, fmt.Errorf("coordinates out of range: %s", point)
	}

	if k.opts.UserID != "" && payload.UserID != k.opts.UserID {
		return geo.Fix{}, false, nil
	}
	if req.HighAccuracy && k.opts.MaxAccuracyMeters > 0 && payload.Accuracy > k.opts.MaxAccuracyMeters {
		return geo.Fix{}, false, nil
	}

	observed := msg.Time
	if payload.Timestamp > 0 {
		observed = time.UnixMilli(payload.Timestamp)
	}
	if observed.IsZero() {
		observed = time.Now()
	}

	return geo.Fix{Point: point, ObservedAt: observed.UTC()}, true, nil
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.GroupAuthorizationFailed) ||
		errors.Is(err, kafka.ClusterAuthorizationFailed) ||
		errors.Is(err, kafka.SASLAuthenticationFailed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Provider = (*Kafka)(nil)
