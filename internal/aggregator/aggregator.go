// Package aggregator fans out to every exchange adapter and merges the results
// into a symbol × exchange funding matrix.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/exchange"
)

// Matrix is one aggregation pass over all venues.
type Matrix struct {
	Symbols   []string                    `json:"symbols"`
	Funding   map[string]exchange.RateMap `json:"funding"`
	Errors    map[string]string           `json:"errors"`
	FetchedAt time.Time                   `json:"fetchedAt"`
}

// Rate looks up a single cell; ok is false when the venue has no data for the symbol.
func (m Matrix) Rate(venue, sym string) (decimal.Decimal, bool) {
	rates, ok := m.Funding[venue]
	if !ok {
		return decimal.Decimal{}, false
	}
	v, ok := rates[sym]
	return v, ok
}

// Aggregator runs every adapter concurrently.
type Aggregator struct {
	adapters []exchange.Adapter
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs an aggregator over the given adapters.
func New(adapters []exchange.Adapter, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		adapters: adapters,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		now:      time.Now,
	}
}

type slot struct {
	rates exchange.RateMap
	err   error
}

// Aggregate performs a single pass. A failing or panicking adapter is reported
// in Errors and does not affect its siblings.
func (a *Aggregator) Aggregate(ctx context.Context) Matrix {
	slots := make([]slot, len(a.adapters))

	var wg sync.WaitGroup
	for i, adapter := range a.adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = a.fetch(ctx, adapter)
		}()
	}
	wg.Wait()

	matrix := Matrix{
		Funding:   make(map[string]exchange.RateMap, len(a.adapters)),
		Errors:    make(map[string]string),
		FetchedAt: a.now().UTC(),
	}
	seen := make(map[string]struct{})
	for i, adapter := range a.adapters {
		name := adapter.Name()
		res := slots[i]
		rates := res.rates
		if rates == nil {
			rates = exchange.RateMap{}
		}
		matrix.Funding[name] = rates
		if res.err != nil {
			matrix.Errors[name] = res.err.Error()
			a.logger.Warn().Err(res.err).Str("exchange", name).Msg("exchange fetch failed")
		}
		for sym := range rates {
			seen[sym] = struct{}{}
		}
	}

	matrix.Symbols = make([]string, 0, len(seen))
	for sym := range seen {
		matrix.Symbols = append(matrix.Symbols, sym)
	}
	sort.Strings(matrix.Symbols)

	a.logger.Info().Int("symbols", len(matrix.Symbols)).Int("errors", len(matrix.Errors)).Msg("aggregation complete")
	return matrix
}

func (a *Aggregator) fetch(ctx context.Context, adapter exchange.Adapter) (res slot) {
	defer func() {
		if r := recover(); r != nil {
			res = slot{rates: exchange.RateMap{}, err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()
	rates, err := adapter.FetchRates(ctx)
	return slot{rates: rates, err: err}
}
