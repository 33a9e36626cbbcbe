// Package trader is the automated execution loop: it consumes ranked
// opportunity snapshots from the analyzer, sizes each candidate through the
// risk engine, and launches approved ones on the scheduler.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/arbengine/internal/analyzer"
	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
	"github.com/quantfold/arbengine/internal/risk"
	"github.com/quantfold/arbengine/internal/scheduler"
)

// Config holds the trade loop's parameters.
type Config struct {
	// CandidatesPerTick bounds how many top-ranked opportunities are sized
	// per snapshot.
	CandidatesPerTick int
	// Strategy is the slicing strategy launched plans use; empty picks the
	// scheduler default.
	Strategy domain.ExecutionStrategy
}

// Trader drives snapshots through risk into execution.
type Trader struct {
	cfg    Config
	engine *risk.Engine
	perf   domain.PerformanceStore // optional
	ledger *inventory.Ledger
	sched  *scheduler.Scheduler
	marks  domain.OpportunityMarker // optional
	clock  domain.Clock
	logger *slog.Logger
}

// New creates a Trader. perf may be nil; priors then fall back to the risk
// engine's defaults. marks may be nil when status tracking is not wired.
func New(cfg Config, engine *risk.Engine, perf domain.PerformanceStore,
	ledger *inventory.Ledger, sched *scheduler.Scheduler,
	marks domain.OpportunityMarker,
	clock domain.Clock, logger *slog.Logger) *Trader {
	if cfg.CandidatesPerTick <= 0 {
		cfg.CandidatesPerTick = 3
	}
	if clock == nil {
		clock = domain.ClockFunc(time.Now)
	}
	return &Trader{
		cfg:    cfg,
		engine: engine,
		perf:   perf,
		ledger: ledger,
		sched:  sched,
		marks:  marks,
		clock:  clock,
		logger: logger.With(slog.String("component", "trader")),
	}
}

// Run consumes snapshots until ctx is cancelled.
func (t *Trader) Run(ctx context.Context, snapshots <-chan *analyzer.Snapshot) error {
	t.logger.Info("trader started", slog.Int("candidates_per_tick", t.cfg.CandidatesPerTick))
	defer t.logger.Info("trader stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			t.handleSnapshot(ctx, snap)
		}
	}
}

// handleSnapshot sizes the top candidates and launches the approved ones.
// Opportunities are already ranked best-first by the analyzer.
func (t *Trader) handleSnapshot(ctx context.Context, snap *analyzer.Snapshot) {
	launched := 0
	for _, opp := range snap.Opportunities {
		if launched >= t.cfg.CandidatesPerTick {
			return
		}
		// Entries carried forward while a plan runs, and entries already
		// judged, are not candidates again.
		if opp.Status != domain.OpportunityDetected {
			continue
		}

		notional, err := t.RecommendNotional(ctx, opp)
		if err != nil {
			if !errors.Is(err, domain.ErrRiskRejected) {
				t.logger.Warn("sizing failed",
					slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
			}
			continue
		}

		if _, err := t.sched.Execute(ctx, opp, notional, t.cfg.Strategy); err != nil {
			// Duplicate routes and races with freshness are routine; anything
			// else is worth a warning.
			if errors.Is(err, domain.ErrPlanActive) ||
				errors.Is(err, domain.ErrStaleData) ||
				errors.Is(err, domain.ErrInsufficientInventory) {
				continue
			}
			t.logger.Warn("launch failed",
				slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
			continue
		}
		launched++
	}
}

// RecommendNotional runs the risk engine for one opportunity and returns the
// approved notional, or domain.ErrRiskRejected wrapping the reason.
func (t *Trader) RecommendNotional(ctx context.Context, opp domain.ArbitrageOpportunity) (float64, error) {
	state := risk.MarketState{Now: t.clock.Now()}

	if t.perf != nil {
		if stats, err := t.perf.RouteStats(ctx, opp.Kind); err == nil {
			state.Stats = stats
		}
		if vol, err := t.perf.AssetVolatility(ctx, opp.Asset); err == nil {
			state.Volatility = vol
		}
	}
	if len(opp.Route) > 0 {
		state.InventoryRatio = t.ledger.Ratio(opp.Asset, opp.Fiat, opp.Route[0].Price)
	}

	assessment := t.engine.Assess(opp, state)
	if !assessment.Approved() {
		if t.marks != nil {
			t.marks.MarkOpportunity(ctx, opp.ID, domain.OpportunityRejected)
		}
		return 0, fmt.Errorf("opportunity %s rejected (%s): %w",
			opp.ID, assessment.RejectionReason, domain.ErrRiskRejected)
	}
	if t.marks != nil {
		t.marks.MarkOpportunity(ctx, opp.ID, domain.OpportunityApproved)
	}
	return assessment.RecommendedNotional, nil
}
