package cli

import (
	"github.com/spf13/cobra"
)

var mailTestTo string

var mailTestCmd = &cobra.Command{
	Use:   "mail-test",
	Short: "Send a test email through the configured mail provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().MailTest(cmd.Context(), mailTestTo)
	},
}

func init() {
	mailTestCmd.Flags().StringVar(&mailTestTo, "to", "", "Recipient address")
	_ = mailTestCmd.MarkFlagRequired("to")
}
