package cli

import (
	"github.com/spf13/cobra"

	"nearby-alerts/internal/app"
)

var (
	pruneOlderThan string
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old notification history",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := parseDuration("older-than", pruneOlderThan)
		if err != nil {
			return err
		}

		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: olderThan,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "720h", "Remove notifications fired longer ago than this")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only report how many rows would be removed")
}
