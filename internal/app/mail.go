package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-alerts/internal/alerting"
	"funding-alerts/internal/dispatch"
)

// MailTest sends one test message through the configured mail provider.
func (a *App) MailTest(ctx context.Context, to string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient is required")
	}
	mailer := a.newMailer()
	if mailer == nil {
		return dispatch.ErrMailNotConfigured
	}

	msg := alerting.ComposeTestMail(a.Config.Mail.From, to, time.Now())
	if err := mailer.Send(ctx, msg); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "test mail sent to %s\n", to)
	return nil
}
