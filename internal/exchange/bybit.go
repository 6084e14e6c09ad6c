package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/rs/zerolog"
)

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitCategory       = "linear"
	bybitHistoryPageMax = 200
)

// BybitAdapter reads linear perpetual tickers through the Bybit v5 client.
type BybitAdapter struct {
	client *bybit.Client
	opts   Options
	logger zerolog.Logger
}

// NewBybit constructs the Bybit adapter.
func NewBybit(opts Options, logger zerolog.Logger) *BybitAdapter {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = bybitBaseURL
	}

	httpClient := newHTTPClient(opts)
	httpClient.Transport = userAgentTransport{agent: userAgent(opts), next: http.DefaultTransport}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	return &BybitAdapter{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "exchange").Str("exchange", Bybit).Logger(),
	}
}

type bybitList struct {
	List []json.RawMessage `json:"list"`
}

type bybitTicker struct {
	Symbol      string    `json:"symbol"`
	FundingRate rawNumber `json:"fundingRate"`
}

type bybitFundingHistory struct {
	Symbol               string    `json:"symbol"`
	FundingRate          rawNumber `json:"fundingRate"`
	FundingRateTimestamp rawNumber `json:"fundingRateTimestamp"`
}

var errBybitMissingResult = errors.New("bybit api error: missing result")

// listResult checks the v5 envelope and re-decodes its untyped result.
func listResult(resp *bybit.ServerResponse) ([]json.RawMessage, error) {
	if resp == nil {
		return nil, errBybitMissingResult
	}
	if resp.RetCode != 0 {
		return nil, envelopeError(Bybit, strconv.Itoa(resp.RetCode), resp.RetMsg)
	}
	if resp.Result == nil {
		return nil, errBybitMissingResult
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("encode bybit result: %w", err)
	}
	var list bybitList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("decode bybit result: %w", err)
	}
	return list.List, nil
}

// Name implements Adapter.
func (b *BybitAdapter) Name() string { return Bybit }

// FetchRates implements Adapter.
func (b *BybitAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	params := map[string]interface{}{"category": bybitCategory}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return RateMap{}, fmt.Errorf("bybit tickers: %w", err)
	}
	raw, err := listResult(resp)
	if err != nil {
		return RateMap{}, err
	}

	tickers, dropped := decodeRecords[bybitTicker](raw)
	out := make(RateMap, len(tickers))
	for _, t := range tickers {
		out.put(t.Symbol, t.FundingRate)
	}
	b.logger.Debug().Int("symbols", len(out)).Int("tickers", len(raw)).Int("dropped", dropped).Msg("rates fetched")
	return out, nil
}

// FetchHistory walks backwards from to, moving endTime below the oldest
// point of each page, until the window start or the page ceiling.
func (b *BybitAdapter) FetchHistory(ctx context.Context, sym string, from, to time.Time) ([]HistoryPoint, error) {
	pageSize := clampPageSize(b.opts.HistoryPageSize, bybitHistoryPageMax)
	maxPages := positiveOr(b.opts.HistoryMaxPages, defaultMaxPages)

	var points []HistoryPoint
	end := to
	for page := 0; page < maxPages; page++ {
		raw, err := b.historyPage(ctx, sym, from, end, pageSize)
		if err != nil {
			if page > 0 {
				b.logger.Warn().Err(err).Int("page", page).Msg("history pagination stopped early")
				break
			}
			return nil, err
		}

		rows, _ := decodeRecords[bybitFundingHistory](raw)
		var oldest time.Time
		for _, row := range rows {
			ts, err := row.FundingRateTimestamp.millis()
			if err != nil {
				continue
			}
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
			pct, err := row.FundingRate.percent()
			if err != nil {
				continue
			}
			points = append(points, HistoryPoint{Time: ts, RatePct: pct})
		}
		if len(raw) < pageSize || oldest.IsZero() || !oldest.After(from) {
			break
		}
		end = oldest.Add(-time.Millisecond)
	}
	return points, nil
}

func (b *BybitAdapter) historyPage(ctx context.Context, sym string, from, end time.Time, pageSize int) ([]json.RawMessage, error) {
	params := map[string]interface{}{
		"category":  bybitCategory,
		"symbol":    sym,
		"startTime": strconv.FormatInt(from.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
		"limit":     strconv.Itoa(pageSize),
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit funding history: %w", err)
	}
	return listResult(resp)
}

var (
	_ Adapter       = (*BybitAdapter)(nil)
	_ HistorySource = (*BybitAdapter)(nil)
)
