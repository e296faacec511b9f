package proximity

import "time"

// Reserver atomically claims the right to notify for an activity.
type Reserver interface {
	TryReserve(id string, now time.Time, window time.Duration) bool
}

// Decide keeps the candidates whose reservation succeeds. Reservation is the only side
// effect, so concurrent calls never return the same activity twice within window.
func Decide(nearby []Match, now time.Time, ledger Reserver, window time.Duration) []Match {
	var fire []Match
	for _, m := range nearby {
		if ledger.TryReserve(m.Record.ID, now, window) {
			fire = append(fire, m)
		}
	}
	return fire
}
