// Package cooldown tracks when each activity last produced a notification.
package cooldown

import (
	"sync"
	"time"
)

// Ledger maps activity ids to the time they were last notified.
// All mutations happen under a single mutex so a check and its update are one step.
type Ledger struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	capacity int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCapacity bounds the number of entries. When a new id would exceed it, entries whose
// window has already elapsed are purged first. Live entries are never evicted.
func WithCapacity(capacity int) Option {
	return func(l *Ledger) {
		l.capacity = capacity
	}
}

// NewLedger constructs an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{entries: make(map[string]time.Time)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryReserve claims the right to notify for id at now. It succeeds when id has no entry or
// its last notification is strictly more than window before now, recording now as the new
// last-notified time. A failed reservation leaves the ledger untouched.
func (l *Ledger) TryReserve(id string, now time.Time, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.entries[id]
	if seen && now.Sub(last) <= window {
		return false
	}

	if !seen && l.capacity > 0 && len(l.entries) >= l.capacity {
		l.purgeLocked(now.Add(-window))
	}

	l.entries[id] = now
	return true
}

// PurgeOlderThan removes entries last notified before threshold and returns how many were dropped.
func (l *Ledger) PurgeOlderThan(threshold time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purgeLocked(threshold)
}

func (l *Ledger) purgeLocked(threshold time.Time) int {
	removed := 0
	for id, last := range l.entries {
		if last.Before(threshold) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// LastFired returns the last notification time recorded for id.
func (l *Ledger) LastFired(id string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.entries[id]
	return last, ok
}

// Len reports the number of tracked ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
