package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"funding-alerts/internal/app"
)

var (
	simulateExchange  string
	simulateSymbol    string
	simulateDirection string
	simulateThreshold string
	simulateRate      string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic funding rate alert through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(simulateThreshold)
		if err != nil {
			return fmt.Errorf("invalid --threshold value: %w", err)
		}
		rate, err := decimal.NewFromString(simulateRate)
		if err != nil {
			return fmt.Errorf("invalid --rate value: %w", err)
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Exchange:  simulateExchange,
			Symbol:    simulateSymbol,
			Direction: simulateDirection,
			Threshold: threshold,
			Rate:      rate,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "binance", "Exchange name")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "Symbol")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "above", "above or below")
	simulateCmd.Flags().StringVar(&simulateThreshold, "threshold", "0.01", "Threshold in percent")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "0.02", "Simulated funding rate in percent")
}
