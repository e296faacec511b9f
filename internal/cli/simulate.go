package cli

import (
	"github.com/spf13/cobra"

	"nearby-alerts/internal/app"
)

var (
	simulateLat    float64
	simulateLon    float64
	simulateAt     string
	simulateRepeat int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Evaluate a single position against the current activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseTime("at", simulateAt)
		if err != nil {
			return err
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Lat:    simulateLat,
			Lon:    simulateLon,
			At:     at,
			Repeat: simulateRepeat,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateLat, "lat", 0, "Latitude in degrees")
	simulateCmd.Flags().Float64Var(&simulateLon, "lon", 0, "Longitude in degrees")
	simulateCmd.Flags().StringVar(&simulateAt, "at", "", "Evaluate as of this time (RFC3339); decides which activities are upcoming, default now")
	simulateCmd.Flags().IntVar(&simulateRepeat, "repeat", 1, "Evaluate the fix this many times")
	_ = simulateCmd.MarkFlagRequired("lat")
	_ = simulateCmd.MarkFlagRequired("lon")
}
