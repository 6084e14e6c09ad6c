package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/storage"
)

// RuleLister supplies the rules the watcher evaluates.
type RuleLister interface {
	ListEnabledAlerts(ctx context.Context) ([]storage.AlertRule, error)
}

// Watcher evaluates rules against each fresh matrix and pushes notifications.
// It keeps its own fire times in memory and never writes to the rule store, so
// it runs independently of the mail dispatcher's cooldown.
type Watcher struct {
	rules    RuleLister
	notifier Notifier
	eval     Evaluator
	baseURL  string
	logger   zerolog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewWatcher constructs a Watcher with the given cooldown.
func NewWatcher(rules RuleLister, notifier Notifier, cooldown time.Duration, baseURL string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		rules:     rules,
		notifier:  notifier,
		eval:      NewEvaluator(cooldown),
		baseURL:   baseURL,
		logger:    logger.With().Str("component", "watcher").Logger(),
		lastFired: make(map[string]time.Time),
	}
}

// Check evaluates every enabled rule against m and returns how many fired.
func (w *Watcher) Check(ctx context.Context, m aggregator.Matrix) (int, error) {
	rules, err := w.rules.ListEnabledAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled alerts: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	active := make(map[string]struct{}, len(rules))
	fired := 0
	for _, rule := range rules {
		active[rule.ID] = struct{}{}

		rule.LastFiredAt = nil
		if at, ok := w.lastFired[rule.ID]; ok {
			rule.LastFiredAt = &at
		}

		rate, ok := m.Rate(rule.Exchange, rule.Symbol)
		decision := w.eval.Evaluate(rule, rate, ok)
		if !decision.Fire {
			continue
		}

		now := w.eval.now().UTC()
		note := NewNotification(rule, rate, now, w.baseURL)
		if err := w.notifier.Notify(ctx, note); err != nil {
			w.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("push notification failed")
			continue
		}
		w.lastFired[rule.ID] = now
		fired++
	}

	for id := range w.lastFired {
		if _, ok := active[id]; !ok {
			delete(w.lastFired, id)
		}
	}
	return fired, nil
}
