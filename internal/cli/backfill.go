package cli

import (
	"github.com/spf13/cobra"

	"funding-alerts/internal/app"
)

var (
	backfillDays   int
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <exchange:SYMBOL>",
	Short: "Load settled funding rates from the exchange into stored snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Pair:   args[0],
			Days:   backfillDays,
			DryRun: backfillDryRun,
		})
		return err
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillDays, "days", 7, "Look-back window: 1, 7, 14 or 30")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
