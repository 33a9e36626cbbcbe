// Package paper is a simulated order gateway. Orders fill instantly at their
// limit price, which makes dry runs of the full detect-risk-execute path
// possible without venue credentials.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/quantfold/arbengine/internal/domain"
)

// Gateway simulates venue order handling in memory.
type Gateway struct {
	logger *slog.Logger

	mu      sync.Mutex
	resting map[string]domain.OrderRequest
}

var _ domain.OrderGateway = (*Gateway)(nil)

// NewGateway creates a paper Gateway.
func NewGateway(logger *slog.Logger) *Gateway {
	return &Gateway{
		logger:  logger.With(slog.String("component", "paper_gateway")),
		resting: make(map[string]domain.OrderRequest),
	}
}

// PlaceOrder fills immediately at the limit price. Resting orders are held
// open so CancelOrder has something to cancel.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Price <= 0 || req.Amount <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: order needs positive price and amount")
	}

	id := uuid.New().String()
	if req.Resting {
		g.mu.Lock()
		g.resting[id] = req
		g.mu.Unlock()
		g.logger.Debug("quote resting",
			slog.String("order_id", id),
			slog.String("venue", req.Venue),
			slog.String("side", string(req.Side)),
			slog.Float64("price", req.Price),
		)
		return domain.OrderResult{OrderID: id, Filled: false}, nil
	}

	g.logger.Debug("order filled",
		slog.String("order_id", id),
		slog.String("venue", req.Venue),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("amount", req.Amount),
	)
	return domain.OrderResult{
		OrderID:      id,
		FilledAmount: req.Amount,
		FillPrice:    req.Price,
		Filled:       true,
	}, nil
}

// CancelOrder removes a resting order. Unknown IDs count as already gone.
func (g *Gateway) CancelOrder(ctx context.Context, venue, orderID string) (bool, error) {
	g.mu.Lock()
	_, ok := g.resting[orderID]
	delete(g.resting, orderID)
	g.mu.Unlock()
	return ok, nil
}
