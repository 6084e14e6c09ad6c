package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

const mexcBaseURL = "https://contract.mexc.com"

// MEXCAdapter reads the contract funding rate list in one request.
type MEXCAdapter struct {
	api    requester
	logger zerolog.Logger
}

// NewMEXC constructs the MEXC adapter.
func NewMEXC(opts Options, logger zerolog.Logger) *MEXCAdapter {
	return &MEXCAdapter{
		api:    newRequester(MEXC, mexcBaseURL, opts),
		logger: logger.With().Str("component", "exchange").Str("exchange", MEXC).Logger(),
	}
}

type mexcResponse struct {
	Success bool              `json:"success"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
}

type mexcFundingRate struct {
	Symbol      string    `json:"symbol"`
	FundingRate rawNumber `json:"fundingRate"`
}

// Name implements Adapter.
func (m *MEXCAdapter) Name() string { return MEXC }

// FetchRates implements Adapter.
func (m *MEXCAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	var resp mexcResponse
	if err := m.api.getJSON(ctx, "/api/v1/contract/funding_rate", nil, &resp); err != nil {
		return RateMap{}, err
	}
	if !resp.Success {
		return RateMap{}, envelopeError(MEXC, strconv.Itoa(resp.Code), resp.Message)
	}
	if resp.Data == nil {
		return RateMap{}, fmt.Errorf("mexc api error: missing data")
	}

	rows, dropped := decodeRecords[mexcFundingRate](resp.Data)
	out := make(RateMap, len(rows))
	for _, row := range rows {
		out.put(row.Symbol, row.FundingRate)
	}
	m.logger.Debug().Int("symbols", len(out)).Int("dropped", dropped).Msg("rates fetched")
	return out, nil
}

var _ Adapter = (*MEXCAdapter)(nil)
