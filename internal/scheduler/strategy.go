package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// notionalTolerance bounds the rounding drift allowed between the sum of
// child notionals and the plan total.
const notionalTolerance = 1e-6

// Chunk is the set of venue orders dispatched for one child sequence, plus
// the delay to observe before dispatching it. A chunk fans out into multiple
// orders only under smart routing when no single venue has sufficient depth.
type Chunk struct {
	Orders []domain.OrderRequest
	Wait   time.Duration
}

// SliceStrategy is the shared contract implemented by TWAP, VWAP, Iceberg,
// and Smart-Routing. The plan runner drives every strategy through the same
// state machine: build children once, then for each child ask for the next
// chunk, dispatch it, and report the outcome.
type SliceStrategy interface {
	Kind() domain.ExecutionStrategy

	// Children splits the total notional into sequenced child orders whose
	// notionals sum to total within rounding tolerance.
	Children(ctx context.Context, opp domain.ArbitrageOpportunity, total float64) ([]domain.ChildOrder, error)

	// NextChunk converts one pending child into dispatchable venue orders.
	NextChunk(ctx context.Context, opp domain.ArbitrageOpportunity, child domain.ChildOrder) (Chunk, error)

	// OnFill reports a successful dispatch so stateful strategies (iceberg)
	// can adjust pacing.
	OnFill(seq int, res domain.OrderResult)

	// OnCancel reports that the remaining children were cancelled.
	OnCancel(seq int)
}

// VolumeProfiler supplies recent volume-share profiles for VWAP weighting.
type VolumeProfiler interface {
	VolumeProfile(ctx context.Context, venue, asset, fiat string, buckets int) ([]float64, error)
}

// QuoteSource supplies per-venue spreads for smart routing.
type QuoteSource interface {
	Quotes(ctx context.Context, asset, fiat string) ([]domain.Spread, error)
}

// StrategyConfig holds the per-plan slicing parameters.
type StrategyConfig struct {
	Chunks          int
	Duration        time.Duration
	VisibleSlice    float64
	RefreshInterval time.Duration
	VenueFeePct     map[string]float64
}

// NewStrategy builds the slice strategy for the given kind.
func NewStrategy(kind domain.ExecutionStrategy, cfg StrategyConfig, profiles VolumeProfiler, quotes QuoteSource) (SliceStrategy, error) {
	switch kind {
	case domain.StrategyTWAP:
		return NewTWAP(cfg), nil
	case domain.StrategyVWAP:
		return NewVWAP(cfg, profiles), nil
	case domain.StrategyIceberg:
		return NewIceberg(cfg), nil
	case domain.StrategySmart:
		return NewSmart(cfg, quotes), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown strategy %q", kind)
	}
}

// entryLeg returns the first leg of the route; every strategy prices and
// routes the chunk off the entry leg.
func entryLeg(opp domain.ArbitrageOpportunity) (domain.Leg, error) {
	if len(opp.Route) == 0 {
		return domain.Leg{}, fmt.Errorf("scheduler: opportunity %s has empty route", opp.ID)
	}
	return opp.Route[0], nil
}

// weightedChildren splits total by the given weights. Non-positive weights
// contribute nothing; a profile with no positive weight degrades to equal
// slices. The final child absorbs the rounding residual so the notionals sum
// to total exactly.
func weightedChildren(total float64, weights []float64, targetPrice float64, venue string) []domain.ChildOrder {
	var weightSum float64
	for i, w := range weights {
		if w < 0 {
			weights[i] = 0
			continue
		}
		weightSum += w
	}
	if weightSum <= 0 {
		weights = make([]float64, len(weights))
		for i := range weights {
			weights[i] = 1
		}
		weightSum = float64(len(weights))
	}

	children := make([]domain.ChildOrder, len(weights))
	var allocated float64
	for i, w := range weights {
		notional := total * w / weightSum
		if i == len(weights)-1 {
			notional = total - allocated
		}
		allocated += notional
		children[i] = domain.ChildOrder{
			Sequence:    i,
			Notional:    notional,
			TargetPrice: targetPrice,
			Venue:       venue,
			Status:      domain.ChildPending,
		}
	}
	return children
}
