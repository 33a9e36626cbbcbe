package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// Smart routes each chunk to whichever venue currently offers the best
// all-in price (fee- and slippage-adjusted), splitting a chunk across venues
// when no single venue has sufficient depth.
type Smart struct {
	cfg    StrategyConfig
	quotes QuoteSource
}

// NewSmart creates a smart-routing strategy.
func NewSmart(cfg StrategyConfig, quotes QuoteSource) *Smart {
	return &Smart{cfg: cfg, quotes: quotes}
}

// Kind returns the strategy identifier.
func (sm *Smart) Kind() domain.ExecutionStrategy { return domain.StrategySmart }

// Children returns equal chunks; venue selection happens per chunk at
// dispatch time so routing reacts to the book as it is then, not as it was
// at plan creation.
func (sm *Smart) Children(ctx context.Context, opp domain.ArbitrageOpportunity, total float64) ([]domain.ChildOrder, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, sm.cfg.Chunks)
	for i := range weights {
		weights[i] = 1
	}
	return weightedChildren(total, weights, leg.Price, leg.Venue), nil
}

// venueOffer is one venue's executable price and depth for the chunk's side.
type venueOffer struct {
	venue    string
	allIn    float64 // price adjusted for fee and half-spread slippage
	rawPrice float64
	depth    float64 // available notional in fiat units
}

// NextChunk picks the cheapest venue(s) for the chunk, greedily consuming
// depth in all-in price order.
func (sm *Smart) NextChunk(ctx context.Context, opp domain.ArbitrageOpportunity, child domain.ChildOrder) (Chunk, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return Chunk{}, err
	}

	spreads, err := sm.quotes.Quotes(ctx, opp.Asset, opp.Fiat)
	if err != nil {
		return Chunk{}, fmt.Errorf("scheduler: smart quotes: %w", err)
	}

	offers := sm.rankOffers(spreads, leg.Side)
	if len(offers) == 0 {
		// No live quotes: fall back to the route's own venue and price.
		return Chunk{
			Orders: []domain.OrderRequest{{
				Venue: child.Venue, Asset: opp.Asset, Fiat: opp.Fiat,
				Side: leg.Side, Price: child.TargetPrice, Amount: child.Notional,
			}},
			Wait: sm.interval(),
		}, nil
	}

	var orders []domain.OrderRequest
	remaining := child.Notional
	for _, offer := range offers {
		if remaining <= notionalTolerance {
			break
		}
		amount := remaining
		if offer.depth < amount {
			amount = offer.depth
		}
		if amount <= 0 {
			continue
		}
		orders = append(orders, domain.OrderRequest{
			Venue:  offer.venue,
			Asset:  opp.Asset,
			Fiat:   opp.Fiat,
			Side:   leg.Side,
			Price:  offer.rawPrice,
			Amount: amount,
		})
		remaining -= amount
	}

	if remaining > notionalTolerance {
		// Combined depth cannot carry the chunk; send what fits on the best
		// venue rather than over-dispatching.
		if len(orders) == 0 {
			return Chunk{}, fmt.Errorf("scheduler: no venue depth for chunk %d: %w",
				child.Sequence, domain.ErrInsufficientLiquidity)
		}
	}

	return Chunk{Orders: orders, Wait: sm.interval()}, nil
}

// rankOffers converts spreads into all-in offers for the given side, sorted
// best first (lowest all-in for buys, highest for sells).
func (sm *Smart) rankOffers(spreads []domain.Spread, side domain.Side) []venueOffer {
	offers := make([]venueOffer, 0, len(spreads))
	for _, s := range spreads {
		fee := sm.cfg.VenueFeePct[s.Venue] / 100
		halfSpread := 0.0
		if mid := s.Mid(); mid > 0 {
			halfSpread = (s.BestAsk - s.BestBid) / 2 / mid
		}

		switch side {
		case domain.SideBuy:
			if s.BestAsk <= 0 || s.DepthAsk <= 0 {
				continue
			}
			offers = append(offers, venueOffer{
				venue:    s.Venue,
				allIn:    s.BestAsk * (1 + fee + halfSpread),
				rawPrice: s.BestAsk,
				depth:    s.DepthAsk * s.BestAsk,
			})
		case domain.SideSell:
			if s.BestBid <= 0 || s.DepthBid <= 0 {
				continue
			}
			offers = append(offers, venueOffer{
				venue:    s.Venue,
				allIn:    s.BestBid * (1 - fee - halfSpread),
				rawPrice: s.BestBid,
				depth:    s.DepthBid * s.BestBid,
			})
		}
	}

	sort.Slice(offers, func(i, j int) bool {
		if side == domain.SideBuy {
			return offers[i].allIn < offers[j].allIn
		}
		return offers[i].allIn > offers[j].allIn
	})
	return offers
}

// OnFill is a no-op.
func (sm *Smart) OnFill(seq int, res domain.OrderResult) {}

// OnCancel is a no-op.
func (sm *Smart) OnCancel(seq int) {}

func (sm *Smart) interval() time.Duration {
	if sm.cfg.Chunks <= 0 {
		return 0
	}
	return sm.cfg.Duration / time.Duration(sm.cfg.Chunks)
}
