// Package exchange fetches perpetual funding rates from the supported venues.
//
// Every adapter returns rates in percent (raw venue fraction × 100) keyed by
// the normalized BASEUSDT symbol. Malformed records are skipped one by one; a
// failing list endpoint yields an empty map and an error.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Venue identifiers, lower-case as persisted and exposed over HTTP.
const (
	Binance = "binance"
	OKX     = "okx"
	Bybit   = "bybit"
	KuCoin  = "kucoin"
	MEXC    = "mexc"
	Gate    = "gate"
	Bitget  = "bitget"
)

// Names lists every supported venue in display order.
var Names = []string{Binance, OKX, Bybit, KuCoin, MEXC, Gate, Bitget}

// ErrHistoryNotImplemented is returned for venues without a history source.
var ErrHistoryNotImplemented = errors.New("history not implemented for exchange")

// ErrUnknownExchange reports a venue name outside Names.
var ErrUnknownExchange = errors.New("unknown exchange")

// RateMap maps normalized symbols to funding rates in percent.
// A missing key means no data, which is distinct from a zero rate.
type RateMap map[string]decimal.Decimal

// Adapter fetches the current funding rate of every USDT perpetual on one venue.
type Adapter interface {
	Name() string
	FetchRates(ctx context.Context) (RateMap, error)
}

// HistoryPoint is one settled funding rate in percent.
type HistoryPoint struct {
	Time    time.Time
	RatePct decimal.Decimal
}

// HistorySource is implemented by adapters that can list past funding rates.
// Points may be unordered and may extend beyond [from, to].
type HistorySource interface {
	FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]HistoryPoint, error)
}

// Options tune a single adapter.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// DetailConcurrency bounds in-flight per-symbol requests on N+1 venues.
	DetailConcurrency int
	// DetailRatePerSecond throttles per-symbol requests; zero disables throttling.
	DetailRatePerSecond float64
	HistoryMaxPages     int
	HistoryPageSize     int
}

// New constructs the adapter registered under name.
func New(name string, opts Options, logger zerolog.Logger) (Adapter, error) {
	switch Canonical(name) {
	case Binance:
		return NewBinance(opts, logger), nil
	case OKX:
		return NewOKX(opts, logger), nil
	case Bybit:
		return NewBybit(opts, logger), nil
	case KuCoin:
		return NewKuCoin(opts, logger), nil
	case MEXC:
		return NewMEXC(opts, logger), nil
	case Gate:
		return NewGate(opts, logger), nil
	case Bitget:
		return NewBitget(opts, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
}

// Canonical lower-cases and trims a venue name.
func Canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Known reports whether name is a supported venue.
func Known(name string) bool {
	name = Canonical(name)
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}
