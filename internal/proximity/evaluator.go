// Package proximity decides which activities are near a fix and which of those may notify now.
package proximity

import (
	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/geo"
)

// DefaultRadiusMeters is the radius used when none is configured.
const DefaultRadiusMeters = 100.0

// Match is an activity within range of a fix.
type Match struct {
	Record         activity.Record
	DistanceMeters float64
}

// FindNearby returns every record in snap whose location is strictly closer than
// radiusMeters to the fix. Records without a location are skipped and snapshot order is kept.
// A nil snapshot yields no matches.
func FindNearby(fix geo.Fix, snap *activity.Snapshot, radiusMeters float64) []Match {
	if snap == nil {
		return nil
	}

	var matches []Match
	for _, rec := range snap.Records {
		if rec.Location == nil {
			continue
		}
		d := geo.DistanceMeters(fix.Point, *rec.Location)
		if d < radiusMeters {
			matches = append(matches, Match{Record: rec, DistanceMeters: d})
		}
	}
	return matches
}
