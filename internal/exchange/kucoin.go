package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/fundingfees"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/rs/zerolog"

	"funding-alerts/internal/symbol"
)

const kucoinBaseURL = "https://api-futures.kucoin.com"

// KuCoinAdapter lists active USDT-margined contracts and then looks up the
// current funding rate of each one through the KuCoin universal SDK.
type KuCoinAdapter struct {
	market  futuresmarket.MarketAPI
	funding fundingfees.FundingFeesAPI
	opts    Options
	logger  zerolog.Logger
}

// NewKuCoin constructs the KuCoin futures adapter.
func NewKuCoin(opts Options, logger zerolog.Logger) *KuCoinAdapter {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = kucoinBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(base).
		WithTransportOption(transport).
		Build()
	futures := sdkapi.NewClient(option).RestService().GetFuturesService()

	return &KuCoinAdapter{
		market:  futures.GetMarketAPI(),
		funding: futures.GetFundingFeesAPI(),
		opts:    opts,
		logger:  logger.With().Str("component", "exchange").Str("exchange", KuCoin).Logger(),
	}
}

type kucoinContract struct {
	Symbol        string `json:"symbol"`
	QuoteCurrency string `json:"quoteCurrency"`
	Status        string `json:"status"`
}

type kucoinCurrentRate struct {
	Value rawNumber `json:"value"`
}

var errKuCoinMissingData = errors.New("kucoin api error: missing data")

// Name implements Adapter.
func (k *KuCoinAdapter) Name() string { return KuCoin }

// FetchRates implements Adapter.
func (k *KuCoinAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	resp, err := k.market.GetAllSymbols(ctx)
	if err != nil {
		return RateMap{}, fmt.Errorf("kucoin contracts: %w", err)
	}
	if resp == nil || resp.Data == nil {
		return RateMap{}, errKuCoinMissingData
	}

	payload, err := json.Marshal(resp.Data)
	if err != nil {
		return RateMap{}, fmt.Errorf("encode kucoin contracts: %w", err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RateMap{}, fmt.Errorf("decode kucoin contracts: %w", err)
	}

	contracts, dropped := decodeRecords[kucoinContract](raw)
	targets := make([]detailTarget, 0, len(contracts))
	seen := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		if !strings.EqualFold(c.QuoteCurrency, "USDT") {
			continue
		}
		if c.Status != "" && !strings.EqualFold(c.Status, "Open") {
			continue
		}
		sym, ok := symbol.Normalize(c.Symbol)
		if !ok {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		targets = append(targets, detailTarget{Symbol: sym, Instrument: c.Symbol})
	}

	out := fetchDetails(ctx, k.opts, k.logger, targets, k.currentRate)
	k.logger.Debug().Int("symbols", len(out)).Int("contracts", len(raw)).Int("dropped", dropped).Msg("rates fetched")
	return out, nil
}

func (k *KuCoinAdapter) currentRate(ctx context.Context, contract string) (rawNumber, error) {
	req := fundingfees.NewGetCurrentFundingRateReqBuilder().SetSymbol(contract).Build()
	resp, err := k.funding.GetCurrentFundingRate(req, ctx)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errKuCoinMissingData
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	var current kucoinCurrentRate
	if err := json.Unmarshal(payload, &current); err != nil {
		return "", err
	}
	return current.Value, nil
}

var _ Adapter = (*KuCoinAdapter)(nil)
