package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"funding-alerts/internal/symbol"
	"funding-alerts/internal/version"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultDetailConcurrency = 8
	maxResponseBytes         = 8 << 20
)

var hundred = decimal.NewFromInt(100)

// requester performs GET requests against one venue's REST API.
type requester struct {
	venue     string
	baseURL   string
	userAgent string
	client    *http.Client
}

func newRequester(venue, defaultBase string, opts Options) requester {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	return requester{
		venue:     venue,
		baseURL:   baseURL,
		userAgent: userAgent(opts),
		client:    newHTTPClient(opts),
	}
}

func newHTTPClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func userAgent(opts Options) string {
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		return ua
	}
	return version.UserAgent()
}

func (r requester) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", r.venue, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request %s: %w", r.venue, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", r.venue, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(r.venue, resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.venue, err)
	}
	return nil
}

type errorResponse struct {
	Msg     string `json:"msg"`
	Message string `json:"message"`
	RetMsg  string `json:"retMsg"`
	Label   string `json:"label"`
}

func parseHTTPError(venue string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Msg, apiErr.Message, apiErr.RetMsg, apiErr.Label} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", venue, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		text := strings.TrimSpace(string(payload))
		if len(text) > 256 {
			text = text[:256]
		}
		return fmt.Errorf("%s api error (%d): %s", venue, status, text)
	}
	return fmt.Errorf("%s api error (%d)", venue, status)
}

func envelopeError(venue, code, msg string) error {
	if msg == "" {
		return fmt.Errorf("%s api error: code %s", venue, code)
	}
	return fmt.Errorf("%s api error: code %s: %s", venue, code, msg)
}

// decodeRecords decodes each array element on its own so a record with an
// unexpected shape is dropped without failing the whole response.
func decodeRecords[T any](raw []json.RawMessage) ([]T, int) {
	out := make([]T, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		var rec T
		if err := json.Unmarshal(item, &rec); err != nil {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

// rawNumber accepts a JSON string or number and defers parsing, so one
// malformed record does not fail the whole response.
type rawNumber string

func (n *rawNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = ""
		return nil
	}
	*n = rawNumber(strings.Trim(s, `"`))
	return nil
}

var errEmptyNumber = errors.New("empty number")

// percent converts a venue fraction to percent.
func (n rawNumber) percent() (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, errEmptyNumber
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Mul(hundred), nil
}

// millis parses an epoch milliseconds timestamp.
func (n rawNumber) millis() (time.Time, error) {
	if n == "" {
		return time.Time{}, errEmptyNumber
	}
	ms, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// toPercent converts a decimal fraction string to percent.
func toPercent(raw string) (decimal.Decimal, error) {
	return rawNumber(strings.TrimSpace(raw)).percent()
}

// put normalizes raw and stores its rate; malformed records are skipped.
// The first record for a normalized symbol wins.
func (m RateMap) put(raw string, value rawNumber) bool {
	sym, ok := symbol.Normalize(raw)
	if !ok {
		return false
	}
	pct, err := value.percent()
	if err != nil {
		return false
	}
	if _, exists := m[sym]; exists {
		return false
	}
	m[sym] = pct
	return true
}

// detailTarget pairs a normalized symbol with the venue instrument id to query.
type detailTarget struct {
	Symbol     string
	Instrument string
}

// fetchDetails resolves every target with bounded concurrency and throttling.
// Failed lookups are dropped from the result.
func fetchDetails(ctx context.Context, opts Options, logger zerolog.Logger, targets []detailTarget, fetch func(ctx context.Context, instrument string) (rawNumber, error)) RateMap {
	concurrency := opts.DetailConcurrency
	if concurrency <= 0 {
		concurrency = defaultDetailConcurrency
	}
	limit := rate.Inf
	if opts.DetailRatePerSecond > 0 {
		limit = rate.Limit(opts.DetailRatePerSecond)
	}
	limiter := rate.NewLimiter(limit, concurrency)

	var (
		mu     sync.Mutex
		out    = make(RateMap, len(targets))
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, target := range targets {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			value, err := fetch(gctx, target.Instrument)
			if err == nil {
				var pct decimal.Decimal
				if pct, err = value.percent(); err == nil {
					mu.Lock()
					out[target.Symbol] = pct
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			failed++
			mu.Unlock()
			logger.Debug().Err(err).Str("instrument", target.Instrument).Msg("detail lookup skipped")
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		logger.Warn().Int("failed", failed).Int("total", len(targets)).Msg("partial detail results")
	}
	return out
}
