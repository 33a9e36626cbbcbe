package scheduler

import (
	"context"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// TWAP splits the total notional into equal chunks dispatched at a fixed
// interval of duration/chunks.
type TWAP struct {
	cfg StrategyConfig
}

// NewTWAP creates a time-weighted slicing strategy.
func NewTWAP(cfg StrategyConfig) *TWAP {
	return &TWAP{cfg: cfg}
}

// Kind returns the strategy identifier.
func (t *TWAP) Kind() domain.ExecutionStrategy { return domain.StrategyTWAP }

// Children returns cfg.Chunks equal slices.
func (t *TWAP) Children(ctx context.Context, opp domain.ArbitrageOpportunity, total float64) ([]domain.ChildOrder, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, t.cfg.Chunks)
	for i := range weights {
		weights[i] = 1
	}
	return weightedChildren(total, weights, leg.Price, leg.Venue), nil
}

// NextChunk emits one order on the entry leg's venue after the fixed
// interval.
func (t *TWAP) NextChunk(ctx context.Context, opp domain.ArbitrageOpportunity, child domain.ChildOrder) (Chunk, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		Orders: []domain.OrderRequest{{
			Venue:  child.Venue,
			Asset:  opp.Asset,
			Fiat:   opp.Fiat,
			Side:   leg.Side,
			Price:  child.TargetPrice,
			Amount: child.Notional,
		}},
		Wait: t.interval(),
	}, nil
}

// OnFill is a no-op; TWAP pacing is purely time-driven.
func (t *TWAP) OnFill(seq int, res domain.OrderResult) {}

// OnCancel is a no-op.
func (t *TWAP) OnCancel(seq int) {}

func (t *TWAP) interval() time.Duration {
	if t.cfg.Chunks <= 0 {
		return 0
	}
	return t.cfg.Duration / time.Duration(t.cfg.Chunks)
}
