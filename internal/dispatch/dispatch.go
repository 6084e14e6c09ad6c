package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding-alerts/internal/alerting"
	"funding-alerts/internal/storage"
)

// ErrMailNotConfigured is returned by a live dispatch when no mailer is wired.
var ErrMailNotConfigured = errors.New("mail delivery is not configured")

// Action values reported per rule.
const (
	ActionFired       = "fired"
	ActionFiredDryRun = "fired(dryRun)"
	ActionSkipped     = "skipped"
	ActionErrored     = "errored"
)

// Summary counts outcomes of one dispatch run.
type Summary struct {
	Total   int `json:"total"`
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Outcome describes what happened to one rule.
type Outcome struct {
	ID        string            `json:"id"`
	Exchange  string            `json:"exchange"`
	Symbol    string            `json:"symbol"`
	Direction storage.Direction `json:"direction"`
	Threshold decimal.Decimal   `json:"threshold"`
	Rate      *decimal.Decimal  `json:"rate,omitempty"`
	Action    string            `json:"action"`
	Reason    string            `json:"reason,omitempty"`
}

// Result is the response of one dispatch run.
type Result struct {
	DryRun   bool      `json:"dryRun"`
	Summary  Summary   `json:"summary"`
	Outcomes []Outcome `json:"results"`
	At       time.Time `json:"at"`
}

// Options configure a Dispatcher.
type Options struct {
	Cooldown    time.Duration
	From        string
	BaseURL     string
	Concurrency int
}

// Dispatcher evaluates every enabled rule against the latest stored sample and
// mails the owners of rules that fire.
type Dispatcher struct {
	alerts   storage.AlertStore
	samples  storage.SampleStore
	mailer   alerting.Mailer
	notifier alerting.Notifier
	eval     alerting.Evaluator
	opts     Options
	logger   zerolog.Logger

	// Now is the dispatch clock.
	Now func() time.Time
}

// New constructs a Dispatcher. mailer may be nil for dry runs only; notifier
// may be nil.
func New(alerts storage.AlertStore, samples storage.SampleStore, mailer alerting.Mailer, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Dispatcher{
		alerts:   alerts,
		samples:  samples,
		mailer:   mailer,
		notifier: notifier,
		eval:     alerting.NewEvaluator(opts.Cooldown),
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		Now:      time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// Dispatch runs one pass over all enabled rules. A failure on one rule is
// reported in its outcome and never stops the pass.
func (d *Dispatcher) Dispatch(ctx context.Context, dryRun bool) (Result, error) {
	if !dryRun && d.mailer == nil {
		return Result{}, ErrMailNotConfigured
	}

	rules, err := d.alerts.ListEnabledAlerts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list enabled alerts: %w", err)
	}

	at := d.now()
	eval := d.eval
	eval.Now = func() time.Time { return at }

	outcomes := make([]Outcome, len(rules))
	if d.opts.Concurrency == 1 {
		for i, rule := range rules {
			outcomes[i] = d.process(ctx, eval, rule, at, dryRun)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(d.opts.Concurrency)
		for i, rule := range rules {
			g.Go(func() error {
				outcomes[i] = d.process(ctx, eval, rule, at, dryRun)
				return nil
			})
		}
		_ = g.Wait()
	}

	res := Result{DryRun: dryRun, Outcomes: outcomes, At: at}
	res.Summary.Total = len(outcomes)
	for _, o := range outcomes {
		switch o.Action {
		case ActionFired, ActionFiredDryRun:
			res.Summary.Fired++
		case ActionSkipped:
			res.Summary.Skipped++
		case ActionErrored:
			res.Summary.Errored++
		}
	}

	d.logger.Info().
		Bool("dry_run", dryRun).
		Int("total", res.Summary.Total).
		Int("fired", res.Summary.Fired).
		Int("skipped", res.Summary.Skipped).
		Int("errored", res.Summary.Errored).
		Msg("dispatch finished")
	return res, nil
}

func (d *Dispatcher) process(ctx context.Context, eval alerting.Evaluator, rule storage.AlertRule, at time.Time, dryRun bool) (out Outcome) {
	out = Outcome{
		ID:        rule.ID,
		Exchange:  rule.Exchange,
		Symbol:    rule.Symbol,
		Direction: rule.Direction,
		Threshold: rule.ThresholdPct,
	}
	defer func() {
		if r := recover(); r != nil {
			out.Action = ActionErrored
			out.Reason = fmt.Sprintf("panic: %v", r)
			d.logger.Error().Str("rule_id", rule.ID).Interface("panic", r).Msg("dispatch panicked")
		}
	}()

	if reason := alerting.Validate(rule); reason != "" {
		return skipped(out, reason)
	}

	sample, err := d.samples.LatestSample(ctx, rule.Exchange, rule.Symbol)
	if err != nil {
		return errored(out, fmt.Errorf("load latest sample: %w", err))
	}
	if sample == nil {
		return skipped(out, alerting.ReasonNoRate)
	}
	rate := sample.RatePct
	out.Rate = &rate

	decision := eval.Evaluate(rule, rate, true)
	if !decision.Fire {
		return skipped(out, decision.Reason)
	}

	if dryRun {
		out.Action = ActionFiredDryRun
		return out
	}

	note := alerting.NewNotification(rule, rate, at, d.opts.BaseURL)
	if err := d.mailer.Send(ctx, alerting.ComposeMail(note, d.opts.From, rule.OwnerEmail)); err != nil {
		return errored(out, fmt.Errorf("send mail: %w", err))
	}
	if err := d.alerts.UpdateAlertFired(ctx, rule.ID, at, rate); err != nil {
		return errored(out, fmt.Errorf("record fire: %w", err))
	}

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, note); err != nil {
			d.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("push mirror failed")
		}
	}

	d.logger.Info().
		Str("rule_id", rule.ID).
		Str("exchange", rule.Exchange).
		Str("symbol", rule.Symbol).
		Str("rate", rate.String()).
		Msg("alert fired")
	out.Action = ActionFired
	return out
}

func skipped(out Outcome, reason string) Outcome {
	out.Action = ActionSkipped
	out.Reason = reason
	return out
}

func errored(out Outcome, err error) Outcome {
	out.Action = ActionErrored
	out.Reason = err.Error()
	return out
}
