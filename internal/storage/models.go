package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/exchange"
	"funding-alerts/internal/symbol"
)

var (
	// ErrNotFound reports a missing row or one not owned by the caller.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidRule wraps alert rule validation failures.
	ErrInvalidRule = errors.New("invalid alert rule")
)

// Direction is the comparison an alert rule applies to the live rate.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ParseDirection accepts the two recognised directions, case-insensitively.
func ParseDirection(raw string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(raw)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: direction must be \"above\" or \"below\" (got %q)", ErrInvalidRule, raw)
	}
	return d, nil
}

// Valid reports whether d is recognised.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// RateSample is one persisted funding rate observation. Samples are append-only.
type RateSample struct {
	ID         int64           `json:"id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	RatePct    decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observedAt"`
}

// AlertRule is a user-owned threshold condition on one (exchange, symbol) pair.
type AlertRule struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	Exchange      string           `json:"exchange"`
	Symbol        string           `json:"symbol"`
	Direction     Direction        `json:"direction"`
	ThresholdPct  decimal.Decimal  `json:"threshold"`
	Enabled       bool             `json:"enabled"`
	LastFiredAt   *time.Time       `json:"lastFiredAt"`
	LastFiredRate *decimal.Decimal `json:"lastFiredRate"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`

	// OwnerEmail is resolved from the identity store for dispatch.
	OwnerEmail string `json:"-"`
	// Invalid holds the decode problem of a stored row that could not be read faithfully.
	Invalid string `json:"invalid,omitempty"`
}

// Validate checks a rule before it is created.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidRule)
	}
	r.Exchange = exchange.Canonical(r.Exchange)
	if r.Exchange == "" {
		return fmt.Errorf("%w: exchange is required", ErrInvalidRule)
	}
	if !exchange.Known(r.Exchange) {
		return fmt.Errorf("%w: unknown exchange %q", ErrInvalidRule, r.Exchange)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	}
	sym, ok := symbol.Normalize(r.Symbol)
	if !ok {
		return fmt.Errorf("%w: symbol %q is not a USDT perpetual", ErrInvalidRule, r.Symbol)
	}
	r.Symbol = sym
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction must be \"above\" or \"below\"", ErrInvalidRule)
	}
	return nil
}

// AlertPatch carries the mutable fields of a rule; nil fields are left unchanged.
type AlertPatch struct {
	Enabled      *bool            `json:"enabled,omitempty"`
	ThresholdPct *decimal.Decimal `json:"threshold,omitempty"`
	Direction    *Direction       `json:"direction,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AlertPatch) Empty() bool {
	return p.Enabled == nil && p.ThresholdPct == nil && p.Direction == nil
}

// Validate checks the patch values.
func (p AlertPatch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: nothing to update", ErrInvalidRule)
	}
	if p.Direction != nil && !p.Direction.Valid() {
		return fmt.Errorf("%w: direction must be \"above\" or \"below\"", ErrInvalidRule)
	}
	return nil
}

// Apply mutates rule according to the patch.
func (p AlertPatch) Apply(rule *AlertRule) {
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if p.ThresholdPct != nil {
		rule.ThresholdPct = *p.ThresholdPct
	}
	if p.Direction != nil {
		rule.Direction = *p.Direction
	}
}

// decodeRule fills the typed fields of a stored rule from raw column values,
// recording any problem in Invalid instead of failing the whole listing.
func decodeRule(rule *AlertRule, direction, threshold string) {
	rule.Direction = Direction(strings.ToLower(strings.TrimSpace(direction)))
	value, err := decimal.NewFromString(strings.TrimSpace(threshold))
	if err != nil {
		rule.Invalid = fmt.Sprintf("threshold %q is not a number", threshold)
		return
	}
	rule.ThresholdPct = value
	if !rule.Direction.Valid() {
		rule.Invalid = fmt.Sprintf("direction %q is not recognised", direction)
	}
}
