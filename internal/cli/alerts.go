package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"funding-alerts/internal/app"
)

var (
	alertUser      string
	alertEmail     string
	alertExchange  string
	alertSymbol    string
	alertDirection string
	alertThreshold string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage alert rules of one user",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().ListAlerts(cmd.Context(), alertUser)
		return err
	},
}

var alertsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(alertThreshold)
		if err != nil {
			return fmt.Errorf("invalid --threshold value: %w", err)
		}
		_, err = getApp().AddAlert(cmd.Context(), app.AlertInput{
			UserID:    alertUser,
			Email:     alertEmail,
			Exchange:  alertExchange,
			Symbol:    alertSymbol,
			Direction: alertDirection,
			Threshold: threshold,
		})
		return err
	},
}

var alertsRemoveCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete alert rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().RemoveAlerts(cmd.Context(), alertUser, args)
		return err
	},
}

var alertsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().SetAlertEnabled(cmd.Context(), alertUser, args[0], true)
		return err
	},
}

var alertsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().SetAlertEnabled(cmd.Context(), alertUser, args[0], false)
		return err
	},
}

func init() {
	alertsCmd.PersistentFlags().StringVar(&alertUser, "user", "", "Owner user id")

	alertsAddCmd.Flags().StringVar(&alertEmail, "email", "", "Owner email address for alert mail")
	alertsAddCmd.Flags().StringVar(&alertExchange, "exchange", "", "Exchange name")
	alertsAddCmd.Flags().StringVar(&alertSymbol, "symbol", "", "Symbol, e.g. BTCUSDT")
	alertsAddCmd.Flags().StringVar(&alertDirection, "direction", "above", "above or below")
	alertsAddCmd.Flags().StringVar(&alertThreshold, "threshold", "", "Threshold in percent, e.g. 0.05")
	_ = alertsAddCmd.MarkFlagRequired("exchange")
	_ = alertsAddCmd.MarkFlagRequired("symbol")
	_ = alertsAddCmd.MarkFlagRequired("threshold")

	alertsCmd.AddCommand(alertsListCmd, alertsAddCmd, alertsRemoveCmd, alertsEnableCmd, alertsDisableCmd)
}
