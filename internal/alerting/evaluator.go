package alerting

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/storage"
)

// Skip reasons reported by Evaluate.
const (
	ReasonInvalidRule  = "invalid alert rule"
	ReasonNoRate       = "no rate available"
	ReasonNotTriggered = "condition not met"
	ReasonCoolingDown  = "cooling down"
)

// State of a rule with respect to its cooldown.
type State string

const (
	StateArmed       State = "armed"
	StateCoolingDown State = "cooling_down"
)

// Triggered applies the rule comparison; both directions include the threshold.
func Triggered(direction storage.Direction, rate, threshold decimal.Decimal) bool {
	switch direction {
	case storage.DirectionAbove:
		return rate.GreaterThanOrEqual(threshold)
	case storage.DirectionBelow:
		return rate.LessThanOrEqual(threshold)
	default:
		return false
	}
}

// Decision is the outcome of evaluating one rule.
type Decision struct {
	Fire   bool
	Reason string
}

// Evaluator decides whether a rule should fire now.
type Evaluator struct {
	Cooldown time.Duration
	Now      func() time.Time
}

// NewEvaluator returns an evaluator on the wall clock.
func NewEvaluator(cooldown time.Duration) Evaluator {
	return Evaluator{Cooldown: cooldown, Now: time.Now}
}

func (e Evaluator) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// State reports whether a rule last fired at lastFiredAt is still cooling down.
func (e Evaluator) State(lastFiredAt *time.Time) State {
	if lastFiredAt == nil {
		return StateArmed
	}
	if e.now().Sub(*lastFiredAt) < e.Cooldown {
		return StateCoolingDown
	}
	return StateArmed
}

// Validate reports why a stored rule cannot be evaluated, or "" when it can.
func Validate(rule storage.AlertRule) string {
	switch {
	case rule.Invalid != "":
		return ReasonInvalidRule + ": " + rule.Invalid
	case strings.TrimSpace(rule.Exchange) == "":
		return ReasonInvalidRule + ": exchange is empty"
	case strings.TrimSpace(rule.Symbol) == "":
		return ReasonInvalidRule + ": symbol is empty"
	case !rule.Direction.Valid():
		return ReasonInvalidRule + ": direction is not recognised"
	}
	return ""
}

// Evaluate checks validity, rate availability, the trigger condition and the
// cooldown, in that order. ok is false when no rate is known for the pair.
func (e Evaluator) Evaluate(rule storage.AlertRule, rate decimal.Decimal, ok bool) Decision {
	if reason := Validate(rule); reason != "" {
		return Decision{Reason: reason}
	}
	if !ok {
		return Decision{Reason: ReasonNoRate}
	}
	if !Triggered(rule.Direction, rate, rule.ThresholdPct) {
		return Decision{Reason: ReasonNotTriggered}
	}
	if e.State(rule.LastFiredAt) == StateCoolingDown {
		return Decision{Reason: ReasonCoolingDown}
	}
	return Decision{Fire: true}
}
