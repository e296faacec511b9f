package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nearby-alerts/internal/storage"
)

func sampleNotification() Notification {
	return Notification{
		ID:             "6f1c1b2e-8a55-4a55-9f6b-0f8c7d5e4a10",
		ActivityID:     "A",
		Title:          "Nearby Training Partner",
		Body:           "You're near Morning run - running. Check it out!",
		DistanceMeters: 42,
		FiredAt:        time.Now().UTC(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Morning run") {
		t.Fatalf("text should carry the body, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "42 m") {
		t.Fatalf("text should carry the distance, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestTelegramNotifierBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	for i := 0; i < 8; i++ {
		if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
			t.Fatalf("attempt %d should fail", i)
		}
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("breaker should stop calls after 5 failures, got %d", got)
	}
}

type memoryStore struct {
	records []storage.NotificationRecord
	err     error
}

func (m *memoryStore) InsertNotification(_ context.Context, rec storage.NotificationRecord) (storage.NotificationRecord, error) {
	if m.err != nil {
		return storage.NotificationRecord{}, m.err
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryStore) ListRecentNotifications(context.Context, int) ([]storage.NotificationRecord, error) {
	return m.records, nil
}

func (m *memoryStore) ListNotificationsBetween(context.Context, time.Time, time.Time) ([]storage.NotificationRecord, error) {
	return m.records, nil
}

func (m *memoryStore) DeleteNotificationsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Notification) error { return f.err }

func TestAuditedNotifierRecordsOutcome(t *testing.T) {
	store := &memoryStore{}
	ok := NewAuditedNotifier(NewLogNotifier(testLogger()), store, testLogger())
	if err := ok.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := NewAuditedNotifier(failingNotifier{err: errors.New("boom")}, store, testLogger())
	if err := failed.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("delivery error should be returned")
	}

	if len(store.records) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(store.records))
	}
	if !store.records[0].Delivered || store.records[0].Error != nil {
		t.Fatalf("first row should be delivered: %#v", store.records[0])
	}
	if store.records[1].Delivered || store.records[1].Error == nil || *store.records[1].Error != "boom" {
		t.Fatalf("second row should carry the error: %#v", store.records[1])
	}
	if store.records[0].DistanceMeters.IntPart() != 42 {
		t.Fatalf("distance not recorded: %s", store.records[0].DistanceMeters)
	}
}

func TestAuditedNotifierIgnoresStoreFailure(t *testing.T) {
	store := &memoryStore{err: errors.New("db down")}
	n := NewAuditedNotifier(NewLogNotifier(testLogger()), store, testLogger())
	if err := n.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("store failure must not surface: %v", err)
	}
}

type countingNotifier struct{ notes []Notification }

func (c *countingNotifier) Notify(_ context.Context, n Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

func TestPresenceAnnouncesOnce(t *testing.T) {
	counter := &countingNotifier{}
	p := NewPresence(counter, true, testLogger())

	if err := p.EnterForeground(context.Background(), DefaultBanner); err != nil {
		t.Fatal(err)
	}
	if err := p.EnterForeground(context.Background(), DefaultBanner); err != nil {
		t.Fatal(err)
	}
	if !p.Active() {
		t.Fatal("presence should be active")
	}
	if len(counter.notes) != 1 || counter.notes[0].Title != "Tracking Partners" {
		t.Fatalf("banner should be sent once: %#v", counter.notes)
	}

	if err := p.LeaveForeground(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Active() {
		t.Fatal("presence should be released")
	}
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	first, second := &countingNotifier{}, &countingNotifier{}
	fan := Fanout{first, failingNotifier{err: errors.New("down")}, second}

	err := fan.Notify(context.Background(), sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("fanout should surface channel errors, got %v", err)
	}
	if len(first.notes) != 1 || len(second.notes) != 1 {
		t.Fatalf("every channel should be tried: %d %d", len(first.notes), len(second.notes))
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
