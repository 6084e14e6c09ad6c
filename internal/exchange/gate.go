package exchange

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

const gateBaseURL = "https://api.gateio.ws"

// GateAdapter reads the USDT-settled futures contract list.
type GateAdapter struct {
	api    requester
	logger zerolog.Logger
}

// NewGate constructs the Gate adapter.
func NewGate(opts Options, logger zerolog.Logger) *GateAdapter {
	return &GateAdapter{
		api:    newRequester(Gate, gateBaseURL, opts),
		logger: logger.With().Str("component", "exchange").Str("exchange", Gate).Logger(),
	}
}

type gateContract struct {
	Name        string    `json:"name"`
	FundingRate rawNumber `json:"funding_rate"`
}

// Name implements Adapter.
func (g *GateAdapter) Name() string { return Gate }

// FetchRates implements Adapter.
func (g *GateAdapter) FetchRates(ctx context.Context) (RateMap, error) {
	var raw []json.RawMessage
	if err := g.api.getJSON(ctx, "/api/v4/futures/usdt/contracts", nil, &raw); err != nil {
		return RateMap{}, err
	}

	contracts, dropped := decodeRecords[gateContract](raw)
	out := make(RateMap, len(contracts))
	for _, c := range contracts {
		out.put(c.Name, c.FundingRate)
	}
	g.logger.Debug().Int("symbols", len(out)).Int("contracts", len(raw)).Int("dropped", dropped).Msg("rates fetched")
	return out, nil
}

var _ Adapter = (*GateAdapter)(nil)
