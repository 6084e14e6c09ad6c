package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/exchange"
	"funding-alerts/internal/storage"
)

// ErrHistoryNotImplemented is returned for venues without a history source.
var ErrHistoryNotImplemented = exchange.ErrHistoryNotImplemented

// AllowedDays lists the accepted look-back windows.
var AllowedDays = []int{1, 7, 14, 30}

// Point is one settled funding rate: T in epoch milliseconds, V in percent.
type Point struct {
	T int64           `json:"t"`
	V decimal.Decimal `json:"v"`
}

// Result is the funding history of one pair.
type Result struct {
	Exchange  string           `json:"exchange"`
	Symbol    string           `json:"symbol"`
	Days      int              `json:"days"`
	Points    []Point          `json:"points"`
	Latest    *decimal.Decimal `json:"latest"`
	UpdatedAt *time.Time       `json:"updatedAt"`
}

// Reader serves past funding rates straight from the venues.
type Reader struct {
	sources map[string]exchange.HistorySource
	cache   *aggregator.Cache
	samples storage.SampleStore
	now     func() time.Time
	logger  zerolog.Logger
}

// NewReader indexes the adapters that can list history. cache and samples may be nil.
func NewReader(adapters []exchange.Adapter, cache *aggregator.Cache, samples storage.SampleStore, logger zerolog.Logger) *Reader {
	sources := make(map[string]exchange.HistorySource)
	for _, a := range adapters {
		if src, ok := a.(exchange.HistorySource); ok {
			sources[a.Name()] = src
		}
	}
	return &Reader{
		sources: sources,
		cache:   cache,
		samples: samples,
		now:     time.Now,
		logger:  logger.With().Str("component", "history_reader").Logger(),
	}
}

// ValidDays reports whether days is one of AllowedDays.
func ValidDays(days int) bool {
	for _, d := range AllowedDays {
		if d == days {
			return true
		}
	}
	return false
}

// History returns the pair's funding rates over the last days, ascending and de-duplicated.
func (r *Reader) History(ctx context.Context, venue, sym string, days int) (Result, error) {
	pair, err := NormalizePair(venue, sym)
	if err != nil {
		return Result{}, err
	}
	if !ValidDays(days) {
		return Result{}, &ValidationError{Field: "days", Reason: fmt.Sprintf("%d must be one of %v", days, AllowedDays)}
	}

	src, ok := r.sources[pair.Exchange]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrHistoryNotImplemented, pair.Exchange)
	}

	to := r.now().UTC()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)

	raw, err := src.FetchHistory(ctx, pair.Symbol, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s history: %w", pair.Exchange, err)
	}

	res := Result{
		Exchange: pair.Exchange,
		Symbol:   pair.Symbol,
		Days:     days,
		Points:   clip(raw, from, to),
	}
	res.Latest, res.UpdatedAt = r.latest(ctx, pair)

	r.logger.Debug().Str("pair", pair.String()).Int("days", days).Int("points", len(res.Points)).Msg("history served")
	return res, nil
}

// clip keeps points inside [from, to], drops duplicate timestamps and sorts ascending.
func clip(raw []exchange.HistoryPoint, from, to time.Time) []Point {
	seen := make(map[int64]struct{}, len(raw))
	points := make([]Point, 0, len(raw))
	for _, p := range raw {
		if p.Time.Before(from) || p.Time.After(to) {
			continue
		}
		ms := p.Time.UnixMilli()
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		points = append(points, Point{T: ms, V: p.RatePct})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].T < points[j].T })
	return points
}

func (r *Reader) latest(ctx context.Context, pair Pair) (*decimal.Decimal, *time.Time) {
	if r.cache != nil {
		if v, at, ok := r.cache.Rate(pair.Exchange, pair.Symbol); ok {
			return &v, &at
		}
	}
	if r.samples != nil {
		sample, err := r.samples.LatestSample(ctx, pair.Exchange, pair.Symbol)
		if err != nil {
			r.logger.Warn().Err(err).Str("pair", pair.String()).Msg("latest sample lookup failed")
			return nil, nil
		}
		if sample != nil {
			v, at := sample.RatePct, sample.ObservedAt
			return &v, &at
		}
	}
	return nil, nil
}
