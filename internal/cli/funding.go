package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"funding-alerts/internal/app"
)

var (
	aggregateSymbols []string
	aggregateJSON    bool

	dispatchDryRun bool
	dispatchJSON   bool

	historyDays int
	historyJSON bool
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Fetch current funding rates from every exchange once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Aggregate(cmd.Context(), app.AggregateOptions{
			Symbols: aggregateSymbols,
			JSON:    aggregateJSON,
		})
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Evaluate every enabled alert and mail the ones that fire",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Dispatch(cmd.Context(), dispatchDryRun, dispatchJSON)
		return err
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <exchange> <symbol> <rate>",
	Short: "Store one funding rate snapshot",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := decimal.NewFromString(args[2])
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[2], err)
		}
		_, err = getApp().Record(cmd.Context(), args[0], args[1], rate)
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <exchange> <symbol>",
	Short: "Fetch settled funding rates of one pair from its exchange",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), args[0], args[1], historyDays, historyJSON)
	},
}

func init() {
	aggregateCmd.Flags().StringSliceVar(&aggregateSymbols, "symbols", nil, "Only print these symbols")
	aggregateCmd.Flags().BoolVar(&aggregateJSON, "json", false, "Print the matrix as JSON")

	dispatchCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "Evaluate without sending mail or updating rules")
	dispatchCmd.Flags().BoolVar(&dispatchJSON, "json", false, "Print the result as JSON")

	historyCmd.Flags().IntVar(&historyDays, "days", 7, "Look-back window: 1, 7, 14 or 30")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the result as JSON")
}
