package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetOK          = "00000"
	bitgetProductType = "USDT-FUTURES"
	bitgetPageSizeMax = 100
)

// BitgetAdapter reads USDT-M current funding rates.
type BitgetAdapter struct {
	api    requester
	opts   Options
	logger zerolog.Logger
}

// NewBitget constructs the Bitget adapter.
func NewBitget(opts Options, logger zerolog.Logger) *BitgetAdapter {
	return &BitgetAdapter{
		api:    newRequester(Bitget, bitgetBaseURL, opts),
		opts:   opts,
		logger: logger.With().Str("component", "exchange").Str("exchange", Bitget).Logger(),
	}
}

type bitgetEnvelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type bitgetFundingRate struct {
	Symbol      string    `json:"symbol"`
	FundingRate rawNumber `json:"fundingRate"`
	FundingTime rawNumber `json:"fundingTime"`
}

// Name implements Adapter.
func (b *BitgetAdapter) Name() string { return Bitget }

// FetchRates implements Adapter.
func (b *BitgetAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	var resp bitgetEnvelope
	query := url.Values{"productType": {bitgetProductType}}
	if err := b.api.getJSON(ctx, "/api/v2/mix/market/current-fund-rate", query, &resp); err != nil {
		return RateMap{}, err
	}
	if resp.Code != bitgetOK {
		return RateMap{}, envelopeError(Bitget, resp.Code, resp.Msg)
	}

	rows, dropped := decodeRecords[bitgetFundingRate](resp.Data)
	out := make(RateMap, len(rows))
	for _, row := range rows {
		out.put(row.Symbol, row.FundingRate)
	}
	b.logger.Debug().Int("symbols", len(out)).Int("dropped", dropped).Msg("rates fetched")
	return out, nil
}

// FetchHistory walks pages newest first until the window start is passed.
func (b *BitgetAdapter) FetchHistory(ctx context.Context, sym string, from, to time.Time) ([]HistoryPoint, error) {
	pageSize := clampPageSize(b.opts.HistoryPageSize, bitgetPageSizeMax)
	maxPages := positiveOr(b.opts.HistoryMaxPages, defaultMaxPages)

	var points []HistoryPoint
	for page := 1; page <= maxPages; page++ {
		query := url.Values{
			"symbol":      {sym},
			"productType": {bitgetProductType},
			"pageSize":    {strconv.Itoa(pageSize)},
			"pageNo":      {strconv.Itoa(page)},
		}

		var resp bitgetEnvelope
		if err := b.api.getJSON(ctx, "/api/v2/mix/market/history-fund-rate", query, &resp); err != nil {
			if page > 1 {
				b.logger.Warn().Err(err).Int("page", page).Msg("history pagination stopped early")
				break
			}
			return nil, err
		}
		if resp.Code != bitgetOK {
			if page > 1 {
				break
			}
			return nil, envelopeError(Bitget, resp.Code, resp.Msg)
		}
		if len(resp.Data) == 0 {
			break
		}

		rows, _ := decodeRecords[bitgetFundingRate](resp.Data)
		var oldest time.Time
		for _, row := range rows {
			ts, err := row.FundingTime.millis()
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
		if oldest.IsZero() || oldest.Before(from) || len(resp.Data) < pageSize {
			break
		}
	}
	return points, nil
}

var (
	_ Adapter       = (*BitgetAdapter)(nil)
	_ HistorySource = (*BitgetAdapter)(nil)
)
