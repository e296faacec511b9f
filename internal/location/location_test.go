package location

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"nearby-alerts/internal/geo"
)

type recordingSink struct {
	mu     sync.Mutex
	fixes  []geo.Fix
	errs   []error
	signal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 64)}
}

func (s *recordingSink) Deliver(fix geo.Fix) {
	s.mu.Lock()
	s.fixes = append(s.fixes, fix)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *recordingSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

type stubReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	failOnce error
	commits  int
	closed   bool
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.failOnce != nil {
		err := r.failOnce
		r.failOnce = nil
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *stubReader) CommitMessages(context.Context, ...kafka.Message) error {
	r.mu.Lock()
	r.commits++
	r.mu.Unlock()
	return nil
}

func (r *stubReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func newTestKafka(reader Reader, opts KafkaOptions) *Kafka {
	if len(opts.Brokers) == 0 {
		opts.Brokers = []string{"broker:9092"}
	}
	if opts.Topic == "" {
		opts.Topic = "locations"
	}
	opts.RetryBackoff = time.Millisecond
	k := NewKafka(opts, zerolog.Nop())
	k.newReader = func() Reader { return reader }
	k.probe = func(context.Context) error { return nil }
	return k
}

func message(value string) kafka.Message {
	return kafka.Message{Topic: "locations", Value: []byte(value), Time: time.Now()}
}

func TestKafkaDeliversDecodedFixes(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		message(`{"user_id":"u1","latitude":44.8,"longitude":20.4,"accuracy":5,"timestamp":1717243200000}`),
		message(`{"user_id":"u2","latitude":1,"longitude":1,"timestamp":1717243260000}`),
		message(`not json`),
		message(`{"user_id":"u1","latitude":44.9,"longitude":20.5,"accuracy":500,"timestamp":1717243320000}`),
		message(`{"user_id":"u1","latitude":45.0,"longitude":20.6,"accuracy":10,"timestamp":1717243380000}`),
	}}
	k := newTestKafka(reader, KafkaOptions{UserID: "u1", MaxAccuracyMeters: 100})
	sink := newRecordingSink()

	h, err := k.Subscribe(context.Background(), Request{Interval: 10 * time.Second, HighAccuracy: true}, sink)
	require.NoError(t, err)
	sink.wait(t, 2)
	require.NoError(t, k.Unsubscribe(context.Background(), h))

	require.Len(t, sink.fixes, 2)
	require.Equal(t, geo.Point{Lat: 44.8, Lon: 20.4}, sink.fixes[0].Point)
	require.Equal(t, time.UnixMilli(1717243200000).UTC(), sink.fixes[0].ObservedAt)
	require.Equal(t, geo.Point{Lat: 45.0, Lon: 20.6}, sink.fixes[1].Point)
	require.Equal(t, 5, reader.commits)
	require.True(t, reader.closed)
}

func TestKafkaThrottlesToInterval(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		message(`{"latitude":1,"longitude":1,"timestamp":1717243200000}`),
		message(`{"latitude":2,"longitude":2,"timestamp":1717243201000}`),
		message(`{"latitude":3,"longitude":3,"timestamp":1717243215000}`),
	}}
	k := newTestKafka(reader, KafkaOptions{})
	sink := newRecordingSink()

	h, err := k.Subscribe(context.Background(), Request{Interval: 10 * time.Second}, sink)
	require.NoError(t, err)
	sink.wait(t, 2)
	require.NoError(t, k.Unsubscribe(context.Background(), h))

	require.Len(t, sink.fixes, 2)
	require.Equal(t, 3.0, sink.fixes[1].Point.Lat)
}

func TestKafkaFetchErrorsAreReported(t *testing.T) {
	reader := &stubReader{
		failOnce: errors.New("broker unavailable"),
		messages: []kafka.Message{message(`{"latitude":1,"longitude":1}`)},
	}
	k := newTestKafka(reader, KafkaOptions{})
	sink := newRecordingSink()

	h, err := k.Subscribe(context.Background(), Request{}, sink)
	require.NoError(t, err)
	sink.wait(t, 2)
	require.NoError(t, k.Unsubscribe(context.Background(), h))

	require.Len(t, sink.errs, 1)
	require.Len(t, sink.fixes, 1)
}

func TestKafkaSubscribeAuthorizationFailure(t *testing.T) {
	k := newTestKafka(&stubReader{}, KafkaOptions{})
	k.probe = func(context.Context) error { return kafka.TopicAuthorizationFailed }

	_, err := k.Subscribe(context.Background(), Request{}, newRecordingSink())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestKafkaSubscribeProbeFailure(t *testing.T) {
	k := newTestKafka(&stubReader{}, KafkaOptions{})
	k.probe = func(context.Context) error { return errors.New("dial tcp: refused") }

	_, err := k.Subscribe(context.Background(), Request{}, newRecordingSink())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestKafkaUnsubscribeUnknown(t *testing.T) {
	k := newTestKafka(&stubReader{}, KafkaOptions{})
	require.ErrorIs(t, k.Unsubscribe(context.Background(), "nope"), ErrUnknownHandle)
}

func TestManualProvider(t *testing.T) {
	m := NewManual()
	sink := newRecordingSink()

	h, err := m.Subscribe(context.Background(), Request{}, sink)
	require.NoError(t, err)
	require.Equal(t, 1, m.Subscribers())

	m.Push(geo.Fix{Point: geo.Point{Lat: 1, Lon: 2}})
	m.Fail(errors.New("gps lost"))
	require.Len(t, sink.fixes, 1)
	require.Len(t, sink.errs, 1)

	require.NoError(t, m.Unsubscribe(context.Background(), h))
	require.ErrorIs(t, m.Unsubscribe(context.Background(), h), ErrUnknownHandle)

	m.Deny()
	_, err = m.Subscribe(context.Background(), Request{}, sink)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestParseTrack(t *testing.T) {
	points, err := ParseTrack(strings.NewReader("latitude,longitude\n44.8,20.4\n44.801,20.4\n"))
	require.NoError(t, err)
	require.Equal(t, []geo.Point{{Lat: 44.8, Lon: 20.4}, {Lat: 44.801, Lon: 20.4}}, points)

	_, err = ParseTrack(strings.NewReader("44.8,20.4\nabc,1\n"))
	require.Error(t, err)

	_, err = ParseTrack(strings.NewReader("120,20\n"))
	require.Error(t, err)
}

func TestReplayRequiresFile(t *testing.T) {
	r := NewReplay("", zerolog.Nop())
	_, err := r.Subscribe(context.Background(), Request{}, newRecordingSink())
	require.Error(t, err)
}

func TestReplayDeliversTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.csv")
	require.NoError(t, os.WriteFile(path, []byte("44.8,20.4\n44.801,20.4\n"), 0o600))

	r := NewReplay(path, zerolog.Nop())
	sink := newRecordingSink()
	h, err := r.Subscribe(context.Background(), Request{Interval: time.Millisecond}, sink)
	require.NoError(t, err)
	sink.wait(t, 2)
	require.NoError(t, r.Unsubscribe(context.Background(), h))

	require.Equal(t, 44.801, sink.fixes[1].Point.Lat)
}
