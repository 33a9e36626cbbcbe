package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/quantfold/arbengine/internal/domain"
)

// Gateway places and cancels spot orders through Binance's signed endpoints.
type Gateway struct {
	client *Client
}

var _ domain.OrderGateway = (*Gateway)(nil)

// NewGateway creates a Gateway on top of an authenticated client.
func NewGateway(client *Client) (*Gateway, error) {
	if client.apiKey == "" || client.apiSecret == "" {
		return nil, fmt.Errorf("binance: gateway requires api key and secret")
	}
	return &Gateway{client: client}, nil
}

// orderResponse is the FULL response type for POST /api/v3/order.
type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

// PlaceOrder submits a limit order. Amount is the notional in fiat units, so
// the base quantity is derived from the limit price.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Price <= 0 || req.Amount <= 0 {
		return domain.OrderResult{}, fmt.Errorf("binance: order needs positive price and amount")
	}

	side := "BUY"
	if req.Side == domain.SideSell {
		side = "SELL"
	}
	quantity := req.Amount / req.Price

	// Scheduler chunks expire if they cannot fill now; maker quotes rest.
	tif := "IOC"
	if req.Resting {
		tif = "GTC"
	}

	params := url.Values{
		"symbol":           {symbol(req.Asset, req.Fiat)},
		"side":             {side},
		"type":             {"LIMIT"},
		"timeInForce":      {tif},
		"quantity":         {strconv.FormatFloat(quantity, 'f', 8, 64)},
		"price":            {strconv.FormatFloat(req.Price, 'f', 8, 64)},
		"newOrderRespType": {"FULL"},
	}

	body, err := g.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order response: %w", err)
	}

	executedQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	quoteQty, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)

	// Order IDs carry the symbol so CancelOrder can reconstruct the pair.
	result := domain.OrderResult{
		OrderID:      symbol(req.Asset, req.Fiat) + ":" + strconv.FormatInt(resp.OrderID, 10),
		FilledAmount: quoteQty,
		Filled:       resp.Status == "FILLED",
	}
	if executedQty > 0 {
		result.FillPrice = quoteQty / executedQty
	}
	return result, nil
}

// CancelOrder cancels a resting order. A venue report that the order is
// already gone counts as a successful cancel.
func (g *Gateway) CancelOrder(ctx context.Context, venue, orderID string) (bool, error) {
	if venue != Name {
		return false, fmt.Errorf("binance: cannot cancel order on venue %q", venue)
	}
	// Binance keys cancels by symbol+orderId; PlaceOrder encodes both into
	// the returned ID as "SYMBOL:orderId".
	sym, id, ok := strings.Cut(orderID, ":")
	if !ok {
		return false, fmt.Errorf("binance: order id %q missing symbol prefix", orderID)
	}

	params := url.Values{
		"symbol":  {sym},
		"orderId": {id},
	}
	if _, err := g.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		if strings.Contains(err.Error(), "Unknown order") {
			return true, nil
		}
		return false, fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return true, nil
}

// signedRequest attaches the timestamp and HMAC-SHA256 signature Binance
// requires on account endpoints.
func (g *Gateway) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	c := g.client
	params.Set("timestamp", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}
