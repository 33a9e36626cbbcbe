// Package binancep2p is the read-only adapter for the Binance P2P advert
// board. It serves best-price snapshots for fiat pairs that have no spot
// listing, which is what spot-to-P2P detection trades against. Order
// placement on P2P requires manual counterparty interaction, so there is no
// gateway here.
package binancep2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// Name is the venue identifier used across the engine.
const Name = "binance_p2p"

// ClientConfig holds connection parameters for the P2P advert API.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://p2p.binance.com".
	BaseURL string

	// Rows is how many adverts to fetch per side; the best advert with
	// nonzero available volume wins.
	Rows int
}

// Client queries the public P2P advert search endpoint.
type Client struct {
	baseURL    string
	rows       int
	httpClient *http.Client
	clock      domain.Clock
}

var _ domain.VenueClient = (*Client)(nil)

// NewClient creates a P2P advert client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://p2p.binance.com"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 5
	}
	return &Client{
		baseURL: baseURL,
		rows:    rows,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		clock: domain.ClockFunc(time.Now),
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return Name }

// BestPrices assembles a spread from the top adverts of both sides: the best
// seller's price is our ask, the best buyer's price is our bid.
func (c *Client) BestPrices(ctx context.Context, asset, fiat string) (domain.Spread, error) {
	ask, askVol, err := c.bestAdvert(ctx, asset, fiat, "BUY")
	if err != nil {
		return domain.Spread{}, err
	}
	bid, bidVol, err := c.bestAdvert(ctx, asset, fiat, "SELL")
	if err != nil {
		return domain.Spread{}, err
	}

	return domain.Spread{
		Venue:     Name,
		Asset:     asset,
		Fiat:      fiat,
		BestBid:   bid,
		BestAsk:   ask,
		DepthBid:  bidVol,
		DepthAsk:  askVol,
		Timestamp: c.clock.Now(),
	}, nil
}

// VolumeProfile is unavailable on the advert board; callers fall back to a
// uniform profile.
func (c *Client) VolumeProfile(ctx context.Context, asset, fiat string, buckets int) ([]float64, error) {
	return nil, fmt.Errorf("binancep2p: volume profile not available")
}

type advertSearchRequest struct {
	Asset     string `json:"asset"`
	Fiat      string `json:"fiat"`
	TradeType string `json:"tradeType"`
	Page      int    `json:"page"`
	Rows      int    `json:"rows"`
}

type advertSearchResponse struct {
	Data []struct {
		Adv struct {
			Price             string `json:"price"`
			SurplusAmount     string `json:"surplusAmount"`
			MinSingleTransAmt string `json:"minSingleTransAmt"`
		} `json:"adv"`
	} `json:"data"`
}

// bestAdvert returns the price and available volume of the first advert with
// surplus on the given side. tradeType is from the taker's perspective: "BUY"
// lists sellers, "SELL" lists buyers.
func (c *Client) bestAdvert(ctx context.Context, asset, fiat, tradeType string) (price, volume float64, err error) {
	payload, err := json.Marshal(advertSearchRequest{
		Asset:     asset,
		Fiat:      fiat,
		TradeType: tradeType,
		Page:      1,
		Rows:      c.rows,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("binancep2p: marshal search: %w", err)
	}

	u := c.baseURL + "/bapi/c2c/v2/friendly/c2c/adv/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("binancep2p: search %s/%s: %v: %w", asset, fiat, err, domain.ErrGatewayTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, 0, fmt.Errorf("binancep2p: read body: %v: %w", err, domain.ErrGatewayTransient)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, 0, fmt.Errorf("binancep2p: status 429: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("binancep2p: status %d: %w", resp.StatusCode, domain.ErrGatewayTransient)
	}

	var search advertSearchResponse
	if err := json.Unmarshal(body, &search); err != nil {
		return 0, 0, fmt.Errorf("binancep2p: decode search: %w", err)
	}

	for _, entry := range search.Data {
		p, err1 := strconv.ParseFloat(entry.Adv.Price, 64)
		v, err2 := strconv.ParseFloat(entry.Adv.SurplusAmount, 64)
		if err1 != nil || err2 != nil || p <= 0 || v <= 0 {
			continue
		}
		return p, v, nil
	}
	// An empty board means the pair is not traded here.
	return 0, 0, fmt.Errorf("binancep2p: no adverts for %s/%s: %w", asset, fiat, domain.ErrUnsupportedPair)
}
