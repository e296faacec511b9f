package proximity

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/cooldown"
	"nearby-alerts/internal/geo"
)

const window = 10 * time.Minute

var origin = geo.Point{Lat: 44.8, Lon: 20.4}

// northOf returns a point the given distance due north of p.
func northOf(p geo.Point, meters float64) *geo.Point {
	dLat := meters / geo.EarthRadiusMeters * 180 / math.Pi
	return &geo.Point{Lat: p.Lat + dLat, Lon: p.Lon}
}

func snapshotOf(records ...activity.Record) *activity.Snapshot {
	return &activity.Snapshot{Records: records}
}

func ids(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Record.ID)
	}
	return out
}

func TestFindNearbyRadiusBoundary(t *testing.T) {
	snap := snapshotOf(
		activity.Record{ID: "near", Location: northOf(origin, 99)},
		activity.Record{ID: "far", Location: northOf(origin, 101)},
	)

	got := FindNearby(geo.Fix{Point: origin}, snap, DefaultRadiusMeters)
	require.Equal(t, []string{"near"}, ids(got))
	require.InDelta(t, 99, got[0].DistanceMeters, 0.01)
}

func TestFindNearbyExcludesExactRadius(t *testing.T) {
	loc := northOf(origin, 50)
	radius := geo.DistanceMeters(origin, *loc)

	got := FindNearby(geo.Fix{Point: origin}, snapshotOf(activity.Record{ID: "edge", Location: loc}), radius)
	require.Empty(t, got)
}

func TestFindNearbySkipsMissingLocation(t *testing.T) {
	snap := snapshotOf(
		activity.Record{ID: "nowhere"},
		activity.Record{ID: "here", Location: &origin},
	)

	got := FindNearby(geo.Fix{Point: origin}, snap, DefaultRadiusMeters)
	require.Equal(t, []string{"here"}, ids(got))
}

func TestFindNearbyPreservesSnapshotOrder(t *testing.T) {
	snap := snapshotOf(
		activity.Record{ID: "c", Location: northOf(origin, 30)},
		activity.Record{ID: "a", Location: northOf(origin, 10)},
		activity.Record{ID: "b", Location: northOf(origin, 20)},
	)

	first := FindNearby(geo.Fix{Point: origin}, snap, DefaultRadiusMeters)
	second := FindNearby(geo.Fix{Point: origin}, snap, DefaultRadiusMeters)
	require.Equal(t, []string{"c", "a", "b"}, ids(first))
	require.Equal(t, ids(first), ids(second))
}

func TestFindNearbyNilSnapshot(t *testing.T) {
	require.Empty(t, FindNearby(geo.Fix{Point: origin}, nil, DefaultRadiusMeters))
}

func TestDecideEndToEnd(t *testing.T) {
	snap := snapshotOf(activity.Record{ID: "A", Location: &geo.Point{Lat: 44.8, Lon: 20.4}})
	fix := geo.Fix{Point: geo.Point{Lat: 44.8, Lon: 20.4}}
	ledger := cooldown.NewLedger()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	nearby := FindNearby(fix, snap, 100)
	require.Equal(t, []string{"A"}, ids(Decide(nearby, t0, ledger, window)))

	nearby = FindNearby(fix, snap, 100)
	require.Empty(t, Decide(nearby, t0.Add(time.Minute), ledger, window))

	nearby = FindNearby(fix, snap, 100)
	require.Equal(t, []string{"A"}, ids(Decide(nearby, t0.Add(11*time.Minute), ledger, window)))
}

type recordingReserver struct {
	allow map[string]bool
	calls []string
}

func (r *recordingReserver) TryReserve(id string, _ time.Time, _ time.Duration) bool {
	r.calls = append(r.calls, id)
	return r.allow[id]
}

func TestDecideOnlyKeepsReserved(t *testing.T) {
	res := &recordingReserver{allow: map[string]bool{"b": true}}
	nearby := []Match{{Record: activity.Record{ID: "a"}}, {Record: activity.Record{ID: "b"}}}

	got := Decide(nearby, time.Now(), res, window)
	require.Equal(t, []string{"b"}, ids(got))
	require.Equal(t, []string{"a", "b"}, res.calls)
}

func TestDecideConcurrentCallsFireOnce(t *testing.T) {
	ledger := cooldown.NewLedger()
	nearby := []Match{{Record: activity.Record{ID: "A"}}, {Record: activity.Record{ID: "B"}}}
	now := time.Now()

	var mu sync.Mutex
	fired := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range Decide(nearby, now, ledger, window) {
				mu.Lock()
				fired[m.Record.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, map[string]int{"A": 1, "B": 1}, fired)
}
