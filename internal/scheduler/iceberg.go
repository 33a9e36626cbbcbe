package scheduler

import (
	"context"
	"math"
	"sync"

	"github.com/quantfold/arbengine/internal/domain"
)

// Iceberg exposes only a small visible slice of the total at a time. The
// next slice is revealed immediately after the previous one fills; when a
// slice does not fill, the next reveal waits for the refresh interval.
type Iceberg struct {
	cfg StrategyConfig

	mu         sync.Mutex
	lastFilled map[int]bool
}

// NewIceberg creates an iceberg slicing strategy.
func NewIceberg(cfg StrategyConfig) *Iceberg {
	return &Iceberg{cfg: cfg, lastFilled: make(map[int]bool)}
}

// Kind returns the strategy identifier.
func (ic *Iceberg) Kind() domain.ExecutionStrategy { return domain.StrategyIceberg }

// Children splits total into visible-slice-sized children; the final child
// carries the remainder.
func (ic *Iceberg) Children(ctx context.Context, opp domain.ArbitrageOpportunity, total float64) ([]domain.ChildOrder, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return nil, err
	}
	visible := ic.cfg.VisibleSlice
	if visible <= 0 || visible > total {
		visible = total
	}
	n := int(math.Ceil(total / visible))
	weights := make([]float64, n)
	for i := 0; i < n-1; i++ {
		weights[i] = visible
	}
	weights[n-1] = total - visible*float64(n-1)
	return weightedChildren(total, weights, leg.Price, leg.Venue), nil
}

// NextChunk reveals the next slice: immediately after a fill, or after the
// refresh interval when the prior slice expired unfilled.
func (ic *Iceberg) NextChunk(ctx context.Context, opp domain.ArbitrageOpportunity, child domain.ChildOrder) (Chunk, error) {
	leg, err := entryLeg(opp)
	if err != nil {
		return Chunk{}, err
	}

	wait := ic.cfg.RefreshInterval
	ic.mu.Lock()
	if child.Sequence == 0 || ic.lastFilled[child.Sequence-1] {
		wait = 0
	}
	ic.mu.Unlock()

	return Chunk{
		Orders: []domain.OrderRequest{{
			Venue:  child.Venue,
			Asset:  opp.Asset,
			Fiat:   opp.Fiat,
			Side:   leg.Side,
			Price:  child.TargetPrice,
			Amount: child.Notional,
		}},
		Wait: wait,
	}, nil
}

// OnFill records the fill so the next slice is revealed without delay.
func (ic *Iceberg) OnFill(seq int, res domain.OrderResult) {
	ic.mu.Lock()
	ic.lastFilled[seq] = res.Filled
	ic.mu.Unlock()
}

// OnCancel is a no-op; undisclosed slices simply stop being revealed.
func (ic *Iceberg) OnCancel(seq int) {}
