package version

import "fmt"

// Set at build time with -ldflags "-X nearby-alerts/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("nearbyd %s (commit %s, built %s)", Version, Commit, BuildDate)
}
