// Package oracle adapts upstream price feeds.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradeagent/observability/metrics"
)

// ErrPriceUnavailable is returned when the upstream has no quote for an asset.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceOracle quotes assets in a fiat or crypto currency.
type PriceOracle interface {
	Price(ctx context.Context, assetID, currency string) (float64, error)
	Prices(ctx context.Context, assetIDs []string, currency string) ([]float64, error)
}

// HistoryOracle returns an asset's price series over the last days, oldest
// first.
type HistoryOracle interface {
	History(ctx context.Context, assetID, currency string, days int) ([]float64, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

const (
	defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	defaultCoinsEndpoint     = "https://api.coingecko.com/api/v3/coins"
)

// CoinGecko adapts the public CoinGecko simple price API.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	coins    string
	apiKey   string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Option configures the CoinGecko adapter.
type Option func(*CoinGecko)

// WithEndpoint overrides the simple price endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *CoinGecko) {
		if ep := strings.TrimSpace(endpoint); ep != "" {
			c.endpoint = ep
		}
	}
}

// WithCoinsEndpoint overrides the coins endpoint used for market charts.
func WithCoinsEndpoint(endpoint string) Option {
	return func(c *CoinGecko) {
		if ep := strings.TrimRight(strings.TrimSpace(endpoint), "/"); ep != "" {
			c.coins = ep
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(c *CoinGecko) {
		if client != nil {
			c.client = client
		}
	}
}

// WithRateLimit caps outbound requests per minute. Zero disables limiting.
func WithRateLimit(perMinute float64) Option {
	return func(c *CoinGecko) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perMinute/60.0), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CoinGecko) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoinGecko constructs the adapter. apiKey is sent as the demo API key
// header when set.
func NewCoinGecko(apiKey string, opts ...Option) *CoinGecko {
	c := &CoinGecko{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: defaultCoinGeckoEndpoint,
		coins:    defaultCoinsEndpoint,
		apiKey:   strings.TrimSpace(apiKey),
		limiter:  rate.NewLimiter(rate.Limit(30.0/60.0), 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "coingecko")
	return c
}

// Price returns the quote of one asset.
func (c *CoinGecko) Price(ctx context.Context, assetID, currency string) (float64, error) {
	prices, err := c.Prices(ctx, []string{assetID}, currency)
	if err != nil {
		return 0, err
	}
	return prices[0], nil
}

// Prices returns quotes aligned with assetIDs. A missing quote fails the call.
func (c *CoinGecko) Prices(ctx context.Context, assetIDs []string, currency string) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("coingecko oracle not configured")
	}
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("coingecko oracle: no assets requested")
	}
	vs := strings.ToLower(strings.TrimSpace(currency))
	ids := make([]string, len(assetIDs))
	for i, id := range assetIDs {
		ids[i] = strings.ToLower(strings.TrimSpace(id))
		if ids[i] == "" {
			return nil, fmt.Errorf("coingecko oracle: empty asset id")
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("coingecko oracle: rate limit: %w", err)
		}
	}
	start := time.Now()
	payload, err := c.fetch(ctx, ids, vs)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Agent().ObserveOracleRequest(outcome, time.Since(start))
	if err != nil {
		c.logger.Warn("price request failed", "assets", strings.Join(ids, ","), "error", err)
		return nil, err
	}
	out := make([]float64, len(ids))
	for i, id := range ids {
		entry, ok := payload[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, id)
		}
		raw, ok := entry[vs]
		if !ok {
			return nil, fmt.Errorf("%w: %s in %s", ErrPriceUnavailable, id, vs)
		}
		price, err := strconv.ParseFloat(raw.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("coingecko oracle: parse %s price %q: %w", id, raw.String(), err)
		}
		out[i] = price
	}
	return out, nil
}

// History returns the market chart prices of assetID over the last days.
func (c *CoinGecko) History(ctx context.Context, assetID, currency string, days int) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("coingecko oracle not configured")
	}
	id := strings.ToLower(strings.TrimSpace(assetID))
	if id == "" {
		return nil, fmt.Errorf("coingecko oracle: empty asset id")
	}
	if days <= 0 {
		return nil, fmt.Errorf("coingecko oracle: days must be positive")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("coingecko oracle: rate limit: %w", err)
		}
	}
	values := url.Values{}
	values.Set("vs_currency", strings.ToLower(strings.TrimSpace(currency)))
	values.Set("days", strconv.Itoa(days))
	var chart struct {
		Prices [][]json.Number `json:"prices"`
	}
	start := time.Now()
	err := c.get(ctx, c.coins+"/"+url.PathEscape(id)+"/market_chart", values, &chart)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Agent().ObserveOracleRequest(outcome, time.Since(start))
	if err != nil {
		c.logger.Warn("history request failed", "asset", id, "error", err)
		return nil, err
	}
	out := make([]float64, 0, len(chart.Prices))
	for _, point := range chart.Prices {
		if len(point) != 2 {
			return nil, fmt.Errorf("coingecko oracle: malformed %s chart point", id)
		}
		price, err := strconv.ParseFloat(point[1].String(), 64)
		if err != nil {
			return nil, fmt.Errorf("coingecko oracle: parse %s chart price %q: %w", id, point[1].String(), err)
		}
		out = append(out, price)
	}
	return out, nil
}

func (c *CoinGecko) fetch(ctx context.Context, ids []string, vs string) (map[string]map[string]json.Number, error) {
	values := url.Values{}
	values.Set("ids", strings.Join(ids, ","))
	values.Set("vs_currencies", vs)
	var payload map[string]map[string]json.Number
	if err := c.get(ctx, c.endpoint, values, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *CoinGecko) get(ctx context.Context, endpoint string, values url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko oracle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coingecko oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("coingecko oracle: decode: %w", err)
	}
	return nil
}

// Static is a fixed price table, keyed by asset id then currency.
type Static map[string]map[string]float64

func (s Static) Price(_ context.Context, assetID, currency string) (float64, error) {
	quotes, ok := s[strings.ToLower(assetID)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, assetID)
	}
	price, ok := quotes[strings.ToLower(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrPriceUnavailable, assetID, currency)
	}
	return price, nil
}

func (s Static) Prices(ctx context.Context, assetIDs []string, currency string) ([]float64, error) {
	out := make([]float64, len(assetIDs))
	for i, id := range assetIDs {
		price, err := s.Price(ctx, id, currency)
		if err != nil {
			return nil, err
		}
		out[i] = price
	}
	return out, nil
}

// StaticHistory is a fixed table of price series keyed by asset id.
type StaticHistory map[string][]float64

func (s StaticHistory) History(_ context.Context, assetID, _ string, _ int) ([]float64, error) {
	series, ok := s[strings.ToLower(assetID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s history", ErrPriceUnavailable, assetID)
	}
	return series, nil
}
