package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"funding-alerts/internal/symbol"
)

const (
	okxBaseURL      = "https://www.okx.com"
	okxSwapSuffix   = "-USDT-SWAP"
	okxPageSizeMax  = 100
	defaultMaxPages = 10
)

// OKXAdapter lists USDT swaps and queries each instrument's funding rate.
type OKXAdapter struct {
	api    requester
	opts   Options
	logger zerolog.Logger
}

// NewOKX constructs the OKX adapter.
func NewOKX(opts Options, logger zerolog.Logger) *OKXAdapter {
	return &OKXAdapter{
		api:    newRequester(OKX, okxBaseURL, opts),
		opts:   opts,
		logger: logger.With().Str("component", "exchange").Str("exchange", OKX).Logger(),
	}
}

type okxEnvelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type okxInstrument struct {
	InstID string `json:"instId"`
	State  string `json:"state"`
}

type okxFundingRate struct {
	InstID      string    `json:"instId"`
	FundingRate rawNumber `json:"fundingRate"`
	FundingTime rawNumber `json:"fundingTime"`
}

// Name implements Adapter.
func (o *OKXAdapter) Name() string { return OKX }

// FetchRates implements Adapter.
func (o *OKXAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	var list okxEnvelope
	if err := o.api.getJSON(ctx, "/api/v5/public/instruments", url.Values{"instType": {"SWAP"}}, &list); err != nil {
		return RateMap{}, err
	}
	if list.Code != "0" {
		return RateMap{}, envelopeError(OKX, list.Code, list.Msg)
	}

	instruments, _ := decodeRecords[okxInstrument](list.Data)
	targets := make([]detailTarget, 0, len(instruments))
	seen := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		if !strings.HasSuffix(inst.InstID, okxSwapSuffix) {
			continue
		}
		sym, ok := symbol.Normalize(inst.InstID)
		if !ok {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		targets = append(targets, detailTarget{Symbol: sym, Instrument: inst.InstID})
	}

	out := fetchDetails(ctx, o.opts, o.logger, targets, o.fetchCurrent)
	o.logger.Debug().Int("symbols", len(out)).Int("instruments", len(targets)).Msg("rates fetched")
	return out, nil
}

func (o *OKXAdapter) fetchCurrent(ctx context.Context, instID string) (rawNumber, error) {
	var resp okxEnvelope
	if err := o.api.getJSON(ctx, "/api/v5/public/funding-rate", url.Values{"instId": {instID}}, &resp); err != nil {
		return "", err
	}
	if resp.Code != "0" {
		return "", envelopeError(OKX, resp.Code, resp.Msg)
	}
	rows, _ := decodeRecords[okxFundingRate](resp.Data)
	if len(rows) == 0 {
		return "", errEmptyNumber
	}
	return rows[0].FundingRate, nil
}

// FetchHistory walks backwards through pages, newest first, using the after cursor.
func (o *OKXAdapter) FetchHistory(ctx context.Context, sym string, from, to time.Time) ([]HistoryPoint, error) {
	instID := symbol.OKXInstrument(sym)
	pageSize := clampPageSize(o.opts.HistoryPageSize, okxPageSizeMax)
	maxPages := positiveOr(o.opts.HistoryMaxPages, defaultMaxPages)

	var (
		points []HistoryPoint
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		query := url.Values{
			"instId": {instID},
			"limit":  {strconv.Itoa(pageSize)},
		}
		if cursor != "" {
			query.Set("after", cursor)
		}

		var resp okxEnvelope
		if err := o.api.getJSON(ctx, "/api/v5/public/funding-rate-history", query, &resp); err != nil {
			if page > 0 {
				o.logger.Warn().Err(err).Int("page", page).Msg("history pagination stopped early")
				break
			}
			return nil, err
		}
		if resp.Code != "0" {
			if page > 0 {
				break
			}
			return nil, envelopeError(OKX, resp.Code, resp.Msg)
		}
		if len(resp.Data) == 0 {
			break
		}

		rows, _ := decodeRecords[okxFundingRate](resp.Data)
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
		if oldest.IsZero() || oldest.Before(from) {
			break
		}
		cursor = strconv.FormatInt(oldest.UnixMilli(), 10)
	}
	return points, nil
}

func clampPageSize(size, ceiling int) int {
	if size <= 0 || size > ceiling {
		return ceiling
	}
	return size
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

var (
	_ Adapter       = (*OKXAdapter)(nil)
	_ HistorySource = (*OKXAdapter)(nil)
)
