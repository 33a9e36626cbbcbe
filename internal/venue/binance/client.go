// Package binance is the REST adapter for Binance spot markets. It serves
// best-price snapshots and volume profiles to the feed and implements the
// order gateway for execution.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// Name is the venue identifier used across the engine.
const Name = "binance"

// errInvalidSymbol is Binance's error code for a symbol it does not list.
const errInvalidSymbol = -1121

// ClientConfig holds connection parameters for the Binance REST API.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.binance.com".
	BaseURL string

	// APIKey and APISecret authenticate signed endpoints (orders). Public
	// market data works without them.
	APIKey    string
	APISecret string
}

// Client is the REST client for Binance spot.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	clock      domain.Clock
}

var _ domain.VenueClient = (*Client)(nil)

// NewClient creates a Binance REST client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		clock: domain.ClockFunc(time.Now),
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return Name }

// apiError is Binance's standard error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// BestPrices returns the normalized best bid/ask for the pair via the
// bookTicker endpoint.
func (c *Client) BestPrices(ctx context.Context, asset, fiat string) (domain.Spread, error) {
	params := url.Values{"symbol": {symbol(asset, fiat)}}
	body, err := c.get(ctx, "/api/v3/ticker/bookTicker", params)
	if err != nil {
		return domain.Spread{}, fmt.Errorf("binance: book ticker %s%s: %w", asset, fiat, err)
	}

	var resp struct {
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Spread{}, fmt.Errorf("binance: decode book ticker: %w", err)
	}

	bid, err1 := strconv.ParseFloat(resp.BidPrice, 64)
	bidQty, err2 := strconv.ParseFloat(resp.BidQty, 64)
	ask, err3 := strconv.ParseFloat(resp.AskPrice, 64)
	askQty, err4 := strconv.ParseFloat(resp.AskQty, 64)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return domain.Spread{}, fmt.Errorf("binance: parse book ticker: %w", err)
	}

	return domain.Spread{
		Venue:     Name,
		Asset:     asset,
		Fiat:      fiat,
		BestBid:   bid,
		BestAsk:   ask,
		DepthBid:  bidQty,
		DepthAsk:  askQty,
		Timestamp: c.clock.Now(),
	}, nil
}

// VolumeProfile returns the pair's hourly traded-volume shares over the most
// recent buckets, normalized to sum to 1.
func (c *Client) VolumeProfile(ctx context.Context, asset, fiat string, buckets int) ([]float64, error) {
	params := url.Values{
		"symbol":   {symbol(asset, fiat)},
		"interval": {"1h"},
		"limit":    {strconv.Itoa(buckets)},
	}
	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s%s: %w", asset, fiat, err)
	}

	// Each kline is a positional array; volume is index 5 as a string.
	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}
	if len(klines) != buckets {
		return nil, fmt.Errorf("binance: got %d klines, want %d", len(klines), buckets)
	}

	volumes := make([]float64, buckets)
	var total float64
	for i, k := range klines {
		if len(k) < 6 {
			return nil, fmt.Errorf("binance: malformed kline at %d", i)
		}
		var raw string
		if err := json.Unmarshal(k[5], &raw); err != nil {
			return nil, fmt.Errorf("binance: kline volume at %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("binance: parse kline volume at %d: %w", i, err)
		}
		volumes[i] = v
		total += v
	}
	if total <= 0 {
		return nil, fmt.Errorf("binance: zero traded volume for %s%s", asset, fiat)
	}
	for i := range volumes {
		volumes[i] /= total
	}
	return volumes, nil
}

// get performs an unsigned GET and maps venue errors onto domain sentinels.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// do executes the request and classifies failures: rate limits and server
// errors are transient, invalid symbols map to ErrUnsupportedPair, other
// client errors are fatal.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrGatewayTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %v: %w", err, domain.ErrGatewayTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 is Binance's auto-ban escalation of 429.
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrGatewayTransient)
	}

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code == errInvalidSymbol {
		return nil, domain.ErrUnsupportedPair
	}
	return nil, fmt.Errorf("status %d (%s): %w", resp.StatusCode, string(body), domain.ErrGatewayFatal)
}

// symbol builds the Binance symbol for a pair, e.g. ("USDT","TRY") -> "USDTTRY".
func symbol(asset, fiat string) string {
	return asset + fiat
}
