// Package history records funding rate snapshots and reads past funding rates.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/exchange"
	"funding-alerts/internal/storage"
	"funding-alerts/internal/symbol"
)

// DefaultDedupWindow suppresses a new snapshot when the pair's latest one is younger.
const DefaultDedupWindow = 9 * time.Second

// Outcome of a Record call.
type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeSkipped  Outcome = "skipped"
)

// ValidationError reports unusable caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Pair identifies one (exchange, symbol) series.
type Pair struct {
	Exchange string
	Symbol   string
}

func (p Pair) String() string {
	return p.Exchange + ":" + p.Symbol
}

// ParsePair parses "exchange:SYMBOL" and normalizes both parts.
func ParsePair(raw string) (Pair, error) {
	venue, sym, ok := strings.Cut(raw, ":")
	if !ok {
		return Pair{}, &ValidationError{Field: "pair", Reason: fmt.Sprintf("%q must look like exchange:SYMBOL", raw)}
	}
	return NormalizePair(venue, sym)
}

// NormalizePair lower-cases the venue and normalizes the symbol.
func NormalizePair(venue, sym string) (Pair, error) {
	venue = exchange.Canonical(venue)
	if venue == "" {
		return Pair{}, &ValidationError{Field: "exchange", Reason: "is required"}
	}
	if !exchange.Known(venue) {
		return Pair{}, &ValidationError{Field: "exchange", Reason: fmt.Sprintf("%q is not supported", venue)}
	}
	if strings.TrimSpace(sym) == "" {
		return Pair{}, &ValidationError{Field: "symbol", Reason: "is required"}
	}
	normalized, ok := symbol.Normalize(sym)
	if !ok {
		return Pair{}, &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q is not a USDT perpetual", sym)}
	}
	return Pair{Exchange: venue, Symbol: normalized}, nil
}

// Recorder appends rate snapshots, suppressing near-duplicates.
type Recorder struct {
	store  storage.SampleStore
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger

	// serialises check-then-append within this process
	mu sync.Mutex
}

// NewRecorder constructs a Recorder. A zero window falls back to DefaultDedupWindow.
func NewRecorder(store storage.SampleStore, window time.Duration, logger zerolog.Logger) *Recorder {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Recorder{
		store:  store,
		window: window,
		now:    time.Now,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Record appends a snapshot unless the pair's latest one is younger than the window.
func (r *Recorder) Record(ctx context.Context, venue, sym string, rate decimal.Decimal) (Outcome, error) {
	pair, err := NormalizePair(venue, sym)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	latest, err := r.store.LatestSample(ctx, pair.Exchange, pair.Symbol)
	if err != nil {
		return "", fmt.Errorf("load latest sample: %w", err)
	}
	if latest != nil && now.Sub(latest.ObservedAt) < r.window {
		return OutcomeSkipped, nil
	}

	sample := storage.RateSample{
		Exchange:   pair.Exchange,
		Symbol:     pair.Symbol,
		RatePct:    rate,
		ObservedAt: now,
	}
	if err := r.store.AppendSample(ctx, sample); err != nil {
		return "", fmt.Errorf("append sample: %w", err)
	}
	return OutcomeRecorded, nil
}

// RecordMatrix records every pair that has a cell in m. Pairs without data are ignored.
func (r *Recorder) RecordMatrix(ctx context.Context, m aggregator.Matrix, pairs []Pair) (recorded, skipped int) {
	for _, p := range pairs {
		rate, ok := m.Rate(p.Exchange, p.Symbol)
		if !ok {
			continue
		}
		outcome, err := r.Record(ctx, p.Exchange, p.Symbol, rate)
		if err != nil {
			r.logger.Error().Err(err).Str("pair", p.String()).Msg("record snapshot failed")
			continue
		}
		if outcome == OutcomeRecorded {
			recorded++
		} else {
			skipped++
		}
	}
	return recorded, skipped
}
