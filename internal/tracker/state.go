package tracker

import (
	"fmt"

	"nearby-alerts/internal/activity"
)

// State is a tracker lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

var allStates = []string{Stopped.String(), Starting.String(), Running.String(), Stopping.String()}

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NotificationTitle is the title of every nearby-activity notification.
const NotificationTitle = "Nearby Training Partner"

func notificationBody(rec activity.Record) string {
	name := rec.DisplayName
	if name == "" {
		name = "an activity"
	}
	if rec.Category == "" {
		return fmt.Sprintf("You're near %s. Check it out!", name)
	}
	return fmt.Sprintf("You're near %s - %s. Check it out!", name, rec.Category)
}
