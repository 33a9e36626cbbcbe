// Package risk sizes and gates candidate opportunities. Assess is a pure
// function of its inputs: identical (opportunity, market state) pairs always
// yield identical assessments.
package risk

import (
	"log/slog"
	"math"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// Config holds the tunable sizing and gating parameters.
type Config struct {
	// RiskCapital is the bankroll the Kelly fraction is applied to.
	RiskCapital float64
	// KellyMultiplier scales the raw Kelly fraction down (e.g. 0.5 for
	// half-Kelly).
	KellyMultiplier float64
	// GlobalRiskCap is the per-trade notional ceiling across all routes.
	GlobalRiskCap float64
	// VarConfidence is the VaR confidence level, e.g. 0.95.
	VarConfidence float64
	// LossTolerancePct caps VaR relative to the recommended notional.
	LossTolerancePct float64
	// DefaultWinProb is used when the performance store has no prior for a
	// route kind.
	DefaultWinProb float64
	// InventoryBandPct is the allowed deviation of the inventory ratio from
	// balanced before sizing is refused.
	InventoryBandPct float64
	// MinNotional rejects opportunities too small to be worth executing.
	MinNotional float64
	// FreshnessWindow bounds the age of the underlying spread.
	FreshnessWindow time.Duration
	// MinLiquidityScore is the floor below which routes are rejected.
	MinLiquidityScore float64
}

// MarketState carries every input the assessment depends on besides the
// opportunity itself. Callers populate it from the ledger, the performance
// store, and the clock so that Assess itself stays deterministic.
type MarketState struct {
	Now            time.Time
	Stats          domain.RouteStats
	Volatility     float64 // daily return stddev for the traded asset
	InventoryRatio float64 // traded asset's share of combined pair value
}

// Engine applies Kelly sizing and VaR gating.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a risk engine with the given parameters.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "risk"))}
}

// Assess produces the decision artifact for one opportunity. The result
// either carries an approved notional > 0 or a rejection reason.
func (e *Engine) Assess(opp domain.ArbitrageOpportunity, state MarketState) domain.RiskAssessment {
	// Stale spreads are never sized; the opportunity expires instead.
	if !opp.Fresh(state.Now, e.cfg.FreshnessWindow) {
		return domain.RiskAssessment{RejectionReason: domain.RejectStaleData}
	}

	if opp.LiquidityScore < e.cfg.MinLiquidityScore || opp.MaxNotional < e.cfg.MinNotional {
		return domain.RiskAssessment{RejectionReason: domain.RejectInsufficientLiquidity}
	}

	// Refuse to add to a position that is already lopsided, except for
	// rebalance routes whose purpose is reducing the imbalance.
	if opp.Kind != domain.KindRebalance {
		if dev := math.Abs(state.InventoryRatio - 0.5); dev > e.cfg.InventoryBandPct {
			return domain.RiskAssessment{RejectionReason: domain.RejectInventoryImbalance}
		}
	}

	fraction := kellyFraction(winProb(state.Stats, e.cfg.DefaultWinProb), opp.ExpectedROIPct/100)
	fraction *= e.cfg.KellyMultiplier

	notional := fraction * e.cfg.RiskCapital
	notional = math.Min(notional, opp.MaxNotional)
	notional = math.Min(notional, e.cfg.GlobalRiskCap)
	if notional < e.cfg.MinNotional {
		return domain.RiskAssessment{
			KellyFraction:   fraction,
			RejectionReason: domain.RejectInsufficientLiquidity,
		}
	}

	v := valueAtRisk(e.cfg.VarConfidence, state.Volatility, notional)
	if v > e.cfg.LossTolerancePct*notional {
		return domain.RiskAssessment{
			VaR95:           v,
			KellyFraction:   fraction,
			RejectionReason: domain.RejectVarBreach,
		}
	}

	return domain.RiskAssessment{
		VaR95:               v,
		KellyFraction:       fraction,
		RecommendedNotional: notional,
	}
}

// winProb returns the historical win probability, falling back to the
// configured default when the store has no meaningful sample.
func winProb(stats domain.RouteStats, fallback float64) float64 {
	if stats.Trades == 0 || stats.WinProbability <= 0 || stats.WinProbability >= 1 {
		return fallback
	}
	return stats.WinProbability
}

// kellyFraction computes max(0, (p*b - q)/b) where b is the payoff ratio and
// q = 1-p. A non-positive payoff ratio yields zero.
func kellyFraction(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	q := 1 - p
	f := (p*b - q) / b
	if f < 0 {
		return 0
	}
	return f
}

// valueAtRisk is the parametric (normal) VaR for the given confidence,
// volatility, and notional.
func valueAtRisk(confidence, sigma, notional float64) float64 {
	return zScore(confidence) * sigma * notional
}

// zScore approximates the standard normal quantile for p in (0.5, 1) using
// the Abramowitz & Stegun 26.2.23 rational approximation. Absolute error is
// below 4.5e-4, plenty for a gating threshold.
func zScore(p float64) float64 {
	if p <= 0.5 {
		return 0
	}
	t := math.Sqrt(-2 * math.Log(1-p))
	const (
		c0 = 2.515517
		c1 = 0.802853
		c2 = 0.010328
		d1 = 1.432788
		d2 = 0.189269
		d3 = 0.001308
	)
	return t - (c0+c1*t+c2*t*t)/(1+d1*t+d2*t*t+d3*t*t*t)
}
