// Package activity models the geotagged training activities the tracker matches against.
package activity

import (
	"time"

	"nearby-alerts/internal/geo"
)

// Record is a single training activity as delivered by the activity source.
type Record struct {
	ID          string
	Location    *geo.Point
	DisplayName string
	Category    string
	// EventAt is when the activity takes place; nil means open-ended.
	EventAt *time.Time
}

// HasLocation reports whether the record carries coordinates.
func (r Record) HasLocation() bool {
	return r.Location != nil
}

// Expired reports whether the activity's event time is at or before now.
func (r Record) Expired(now time.Time) bool {
	return r.EventAt != nil && !r.EventAt.After(now)
}

// Snapshot is an immutable point-in-time view of every known activity.
// Callers must not modify Records.
type Snapshot struct {
	Records   []Record
	FetchedAt time.Time
}

// Len returns the number of records, tolerating a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Active filters out records whose event time has already passed.
func Active(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
