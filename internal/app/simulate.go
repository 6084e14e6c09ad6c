package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/alerting"
	"funding-alerts/internal/exchange"
	"funding-alerts/internal/storage"
)

// SimulateOptions describe a synthetic rule and the rate it is evaluated against.
type SimulateOptions struct {
	Exchange  string
	Symbol    string
	Direction string
	Threshold decimal.Decimal
	Rate      decimal.Decimal
}

// SimulateAlert runs one synthetic rule through the push watcher so the
// configured channel can be checked end to end.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no push channel configured")
	}

	direction, err := storage.ParseDirection(opts.Direction)
	if err != nil {
		return err
	}

	store := storage.NewMemoryStore()
	rule, err := store.CreateAlert(ctx, storage.AlertRule{
		UserID:       "simulate",
		Exchange:     opts.Exchange,
		Symbol:       opts.Symbol,
		Direction:    direction,
		ThresholdPct: opts.Threshold,
	})
	if err != nil {
		return err
	}

	matrix := aggregator.Matrix{
		Symbols: []string{rule.Symbol},
		Funding: map[string]exchange.RateMap{rule.Exchange: {rule.Symbol: opts.Rate}},
	}

	watcher := alerting.NewWatcher(store, notifier, a.Config.Watcher.Cooldown, a.Config.App.BaseURL, a.Logger)
	fired, err := watcher.Check(ctx, matrix)
	if err != nil {
		return err
	}
	if fired == 0 {
		return fmt.Errorf("rate %s does not meet %s", alerting.FormatPct(opts.Rate), alerting.Condition(direction, opts.Threshold))
	}
	fmt.Fprintln(a.Out, "notification sent")
	return nil
}
