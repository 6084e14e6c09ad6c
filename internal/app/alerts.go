package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/alerting"
	"funding-alerts/internal/storage"
)

// AlertInput describes a rule created from the command line.
type AlertInput struct {
	UserID    string
	Email     string
	Exchange  string
	Symbol    string
	Direction string
	Threshold decimal.Decimal
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("--user is required")
	}
	return nil
}

// ListAlerts prints the rules of one user.
func (a *App) ListAlerts(ctx context.Context, userID string) ([]storage.AlertRule, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	rules, err := store.ListAlertsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return rules, nil
	}

	eval := alerting.NewEvaluator(a.Config.Dispatch.Cooldown)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tExchange\tSymbol\tCondition\tEnabled\tState\tLast fired")
	for _, r := range rules {
		lastFired := "-"
		if r.LastFiredAt != nil {
			lastFired = r.LastFiredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			r.ID, r.Exchange, r.Symbol, alerting.Condition(r.Direction, r.ThresholdPct), r.Enabled, eval.State(r.LastFiredAt), lastFired)
	}
	return rules, writer.Flush()
}

// AddAlert creates a rule and, when given, records the owner's email.
func (a *App) AddAlert(ctx context.Context, in AlertInput) (storage.AlertRule, error) {
	if err := requireUser(in.UserID); err != nil {
		return storage.AlertRule{}, err
	}
	direction, err := storage.ParseDirection(in.Direction)
	if err != nil {
		return storage.AlertRule{}, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return storage.AlertRule{}, err
	}
	defer closeStore()

	if in.Email != "" {
		if err := store.PutUser(ctx, in.UserID, in.Email); err != nil {
			return storage.AlertRule{}, err
		}
	}

	rule, err := store.CreateAlert(ctx, storage.AlertRule{
		UserID:       in.UserID,
		Exchange:     in.Exchange,
		Symbol:       in.Symbol,
		Direction:    direction,
		ThresholdPct: in.Threshold,
	})
	if err != nil {
		return storage.AlertRule{}, err
	}
	fmt.Fprintln(a.Out, rule.ID)
	return rule, nil
}

// RemoveAlerts deletes the listed rules of one user.
func (a *App) RemoveAlerts(ctx context.Context, userID string, ids []string) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, errors.New("at least one alert id is required")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	var n int64
	if len(ids) == 1 {
		if err := store.DeleteAlert(ctx, userID, ids[0]); err != nil {
			return 0, err
		}
		n = 1
	} else {
		n, err = store.DeleteAlerts(ctx, userID, ids)
		if err != nil {
			return 0, err
		}
	}
	fmt.Fprintf(a.Out, "deleted %d\n", n)
	return n, nil
}

// SetAlertEnabled toggles one rule.
func (a *App) SetAlertEnabled(ctx context.Context, userID, id string, enabled bool) (storage.AlertRule, error) {
	if err := requireUser(userID); err != nil {
		return storage.AlertRule{}, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return storage.AlertRule{}, err
	}
	defer closeStore()

	rule, err := store.UpdateAlert(ctx, userID, id, storage.AlertPatch{Enabled: &enabled})
	if err != nil {
		return storage.AlertRule{}, err
	}
	fmt.Fprintf(a.Out, "%s enabled=%v\n", rule.ID, rule.Enabled)
	return rule, nil
}
