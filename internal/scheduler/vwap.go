package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// VWAP sizes chunks by the venue's recent volume-share profile instead of
// equal slices, so the plan's footprint tracks where volume actually trades.
type VWAP struct {
	cfg      StrategyConfig
	profiles VolumeProfiler
}

// NewVWAP creates a volume-weighted slicing strategy.
func NewVWAP(cfg StrategyConfig, profiles VolumeProfiler) *VWAP {
	return &VWAP{cfg: cfg, profiles: profiles}
}

// Kind returns the strategy identifier.
func (v *VWAP) Kind() domain.ExecutionStrategy { return domain.StrategyVWAP }

// Children splits total by the volume profile supplied by the price feed.
func (v *VWAP) Children(ctx context.Context, opp domain.ArbitrageOpportunity, total float64) ([]domain.ChildOrder, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return nil, err
	}
	weights, err := v.profiles.VolumeProfile(ctx, leg.Venue, opp.Asset, opp.Fiat, v.cfg.Chunks)
	if err != nil {
		return nil, fmt.Errorf("scheduler: vwap profile: %w", err)
	}
	if len(weights) != v.cfg.Chunks {
		return nil, fmt.Errorf("scheduler: vwap profile returned %d buckets, want %d", len(weights), v.cfg.Chunks)
	}
	return weightedChildren(total, weights, leg.Price, leg.Venue), nil
}

// NextChunk emits one order after the fixed bucket interval.
func (v *VWAP) NextChunk(ctx context.Context, opp domain.ArbitrageOpportunity, child domain.ChildOrder) (Chunk, error) {
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
		Wait: v.interval(),
	}, nil
}

// OnFill is a no-op; VWAP pacing is time-driven like TWAP.
func (v *VWAP) OnFill(seq int, res domain.OrderResult) {}

// OnCancel is a no-op.
func (v *VWAP) OnCancel(seq int) {}

func (v *VWAP) interval() time.Duration {
	if v.cfg.Chunks <= 0 {
		return 0
	}
	return v.cfg.Duration / time.Duration(v.cfg.Chunks)
}
