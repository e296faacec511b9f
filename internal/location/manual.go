package location

import (
	"context"
	"sync"

	"nearby-alerts/internal/geo"
)

// Manual is a provider driven by explicit Push calls. It backs the simulate command and tests.
type Manual struct {
	mu     sync.Mutex
	sinks  map[Handle]Sink
	denied bool
}

// NewManual constructs a Manual provider.
func NewManual() *Manual {
	return &Manual{sinks: make(map[Handle]Sink)}
}

// Deny makes subsequent Subscribe calls fail with ErrPermissionDenied.
func (m *Manual) Deny() {
	m.mu.Lock()
	m.denied = true
	m.mu.Unlock()
}

// Subscribe registers sink.
func (m *Manual) Subscribe(_ context.Context, _ Request, sink Sink) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return "", ErrPermissionDenied
	}
	h := newHandle()
	m.sinks[h] = sink
	return h, nil
}

// Unsubscribe removes the sink registered under handle.
func (m *Manual) Unsubscribe(_ context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sinks[handle]; !ok {
		return ErrUnknownHandle
	}
	delete(m.sinks, handle)
	return nil
}

// Push delivers fix to every subscriber.
func (m *Manual) Push(fix geo.Fix) {
	for _, sink := range m.snapshot() {
		sink.Deliver(fix)
	}
}

// Fail reports err to every subscriber.
func (m *Manual) Fail(err error) {
	for _, sink := range m.snapshot() {
		sink.Fail(err)
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}

func (m *Manual) snapshot() []Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sink, 0, len(m.sinks))
	for _, s := range m.sinks {
		out = append(out, s)
	}
	return out
}

var _ Provider = (*Manual)(nil)
