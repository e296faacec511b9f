package activity

import (
	"sync/atomic"
	"time"
)

// Cache holds the latest complete snapshot behind a single atomic pointer.
type Cache struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewCache constructs an empty cache. Current returns nil until the first Refresh.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// Refresh replaces the current snapshot wholesale. Records and their locations are copied,
// and a repeated id keeps its first occurrence so ids stay unique within a snapshot.
func (c *Cache) Refresh(records []Record) {
	seen := make(map[string]struct{}, len(records))
	copied := make([]Record, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		if rec.Location != nil {
			loc := *rec.Location
			rec.Location = &loc
		}
		copied = append(copied, rec)
	}

	c.current.Store(&Snapshot{Records: copied, FetchedAt: c.now().UTC()})
}

// Current returns the most recent snapshot, or nil if none has been stored yet.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}
