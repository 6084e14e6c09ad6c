package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
)

const binanceHistoryLimit = 1000

// BinanceAdapter reads USDⓈ-M futures premium index data.
type BinanceAdapter struct {
	client *futures.Client
	logger zerolog.Logger
}

// NewBinance constructs the Binance adapter on top of the go-binance futures client.
func NewBinance(opts Options, logger zerolog.Logger) *BinanceAdapter {
	httpClient := newHTTPClient(opts)
	httpClient.Transport = userAgentTransport{agent: userAgent(opts), next: http.DefaultTransport}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		client.SetApiEndpoint(base)
	}

	return &BinanceAdapter{
		client: client,
		logger: logger.With().Str("component", "exchange").Str("exchange", Binance).Logger(),
	}
}

// Name implements Adapter.
func (b *BinanceAdapter) Name() string { return Binance }

// FetchRates implements Adapter.
func (b *BinanceAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	indexes, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return RateMap{}, fmt.Errorf("binance premium index: %w", err)
	}

	out := make(RateMap, len(indexes))
	skipped := 0
	for _, idx := range indexes {
		if idx == nil || !out.put(idx.Symbol, rawNumber(idx.LastFundingRate)) {
			skipped++
		}
	}
	b.logger.Debug().Int("symbols", len(out)).Int("skipped", skipped).Msg("rates fetched")
	return out, nil
}

// FetchHistory implements HistorySource with a single time-bounded request.
func (b *BinanceAdapter) FetchHistory(ctx context.Context, sym string, from, to time.Time) ([]HistoryPoint, error) {
	rates, err := b.client.NewFundingRateService().
		Symbol(sym).
		StartTime(from.UnixMilli()).
		EndTime(to.UnixMilli()).
		Limit(binanceHistoryLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance funding history: %w", err)
	}

	points := make([]HistoryPoint, 0, len(rates))
	for _, r := range rates {
		if r == nil {
			continue
		}
		pct, err := toPercent(r.FundingRate)
		if err != nil {
			continue
		}
		points = append(points, HistoryPoint{Time: time.UnixMilli(r.FundingTime).UTC(), RatePct: pct})
	}
	return points, nil
}

// userAgentTransport stamps outbound SDK requests with the configured agent.
type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}

var (
	_ Adapter       = (*BinanceAdapter)(nil)
	_ HistorySource = (*BinanceAdapter)(nil)
)
