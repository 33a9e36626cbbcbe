package trader

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/arbengine/internal/analyzer"
	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
	"github.com/quantfold/arbengine/internal/risk"
	"github.com/quantfold/arbengine/internal/scheduler"
)

type fillGateway struct {
	mu     sync.Mutex
	placed []domain.OrderRequest
}

func (g *fillGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	g.placed = append(g.placed, req)
	g.mu.Unlock()
	return domain.OrderResult{
		OrderID:      "order",
		FilledAmount: req.Amount,
		FillPrice:    req.Price,
		Filled:       true,
	}, nil
}

func (g *fillGateway) CancelOrder(ctx context.Context, venue, orderID string) (bool, error) {
	return true, nil
}

func (g *fillGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

type stubPerf struct {
	stats domain.RouteStats
	vol   float64
}

func (p *stubPerf) RouteStats(ctx context.Context, kind domain.OpportunityKind) (domain.RouteStats, error) {
	return p.stats, nil
}

func (p *stubPerf) AssetVolatility(ctx context.Context, asset string) (float64, error) {
	return p.vol, nil
}

func (p *stubPerf) RecordOutcome(ctx context.Context, event domain.PlanEvent) error {
	return nil
}

func tradableOpp(asset string) domain.ArbitrageOpportunity {
	now := time.Now()
	return domain.ArbitrageOpportunity{
		ID:    "opp-" + asset,
		Kind:  domain.KindDirect,
		Asset: asset,
		Fiat:  "USDT",
		Route: []domain.Leg{
			{AssetIn: "USDT", AssetOut: asset, Venue: "binance", Side: domain.SideBuy, Price: 2000},
			{AssetIn: asset, AssetOut: "USDT", Venue: "binance", Side: domain.SideSell, Price: 3000},
		},
		ExpectedROIPct: 50,
		MaxNotional:    100000,
		LiquidityScore: 0.8,
		DetectedAt:     now,
		SpreadAt:       now,
		Status:         domain.OpportunityDetected,
	}
}

type recordingMarker struct {
	mu       sync.Mutex
	statuses map[string][]domain.OpportunityStatus
}

func (m *recordingMarker) MarkOpportunity(ctx context.Context, id string, status domain.OpportunityStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string][]domain.OpportunityStatus)
	}
	m.statuses[id] = append(m.statuses[id], status)
}

func (m *recordingMarker) trail(id string) []domain.OpportunityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OpportunityStatus(nil), m.statuses[id]...)
}

type harness struct {
	trader  *Trader
	gateway *fillGateway
	sched   *scheduler.Scheduler
	ledger  *inventory.Ledger
	marks   *recordingMarker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	ledger := inventory.NewLedger(map[string]float64{"USDT": 10000}, logger)
	gateway := &fillGateway{}
	sched := scheduler.New(scheduler.Config{
		DefaultStrategy: domain.StrategyTWAP,
		Chunks:          2,
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
		GatewayTimeout:  time.Second,
		FreshnessWindow: 5 * time.Second,
	}, gateway, ledger, nil, nil, nil, nil, nil, nil, logger)

	engine := risk.NewEngine(risk.Config{
		RiskCapital:       10000,
		KellyMultiplier:   0.5,
		GlobalRiskCap:     1000,
		VarConfidence:     0.95,
		LossTolerancePct:  0.05,
		DefaultWinProb:    0.9,
		InventoryBandPct:  0.6,
		MinNotional:       10,
		FreshnessWindow:   5 * time.Second,
		MinLiquidityScore: 0.1,
	}, logger)

	marks := &recordingMarker{}
	tr := New(Config{CandidatesPerTick: 2}, engine,
		&stubPerf{vol: 0.01}, ledger, sched, marks, nil, logger)
	return &harness{trader: tr, gateway: gateway, sched: sched, ledger: ledger, marks: marks}
}

func TestRecommendNotionalApproves(t *testing.T) {
	h := newHarness(t)

	notional, err := h.trader.RecommendNotional(context.Background(), tradableOpp("ETH"))
	require.NoError(t, err)
	// Raw kelly 0.7, half-kelly 0.35 of 10k, clamped to the 1000 global cap.
	assert.Equal(t, 1000.0, notional)
}

func TestRecommendNotionalWrapsRejection(t *testing.T) {
	h := newHarness(t)

	opp := tradableOpp("ETH")
	opp.SpreadAt = time.Now().Add(-time.Minute)
	_, err := h.trader.RecommendNotional(context.Background(), opp)
	assert.ErrorIs(t, err, domain.ErrRiskRejected)

	// The rejection is recorded on the opportunity, retained for analysis.
	assert.Equal(t, []domain.OpportunityStatus{domain.OpportunityRejected}, h.marks.trail(opp.ID))
}

func TestRecommendNotionalMarksApproved(t *testing.T) {
	h := newHarness(t)

	opp := tradableOpp("ETH")
	_, err := h.trader.RecommendNotional(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, []domain.OpportunityStatus{domain.OpportunityApproved}, h.marks.trail(opp.ID))
}

func TestHandleSnapshotSkipsNonDetectedEntries(t *testing.T) {
	h := newHarness(t)

	executing := tradableOpp("ETH")
	executing.Status = domain.OpportunityExecuting
	snap := &analyzer.Snapshot{Version: 1, Opportunities: []domain.ArbitrageOpportunity{executing}}

	h.trader.handleSnapshot(context.Background(), snap)
	h.sched.Wait()

	assert.Zero(t, h.gateway.count())
	assert.Empty(t, h.marks.trail(executing.ID), "carried entries are never re-judged")
}

func TestHandleSnapshotLaunchesTopCandidates(t *testing.T) {
	h := newHarness(t)

	snap := &analyzer.Snapshot{
		Version: 1,
		Opportunities: []domain.ArbitrageOpportunity{
			tradableOpp("ETH"),
			tradableOpp("BTC"),
			tradableOpp("XRP"), // beyond the per-tick candidate budget
		},
	}
	h.trader.handleSnapshot(context.Background(), snap)
	h.sched.Wait()

	// Two plans of two chunks each; the third candidate never launched.
	assert.Equal(t, 4, h.gateway.count())
	assert.Empty(t, h.sched.ActivePlans())
}

func TestHandleSnapshotSkipsRejected(t *testing.T) {
	h := newHarness(t)

	stale := tradableOpp("ETH")
	stale.SpreadAt = time.Now().Add(-time.Minute)
	snap := &analyzer.Snapshot{Version: 1, Opportunities: []domain.ArbitrageOpportunity{stale}}

	h.trader.handleSnapshot(context.Background(), snap)
	h.sched.Wait()
	assert.Zero(t, h.gateway.count())
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	h := newHarness(t)

	snapshots := make(chan *analyzer.Snapshot, 1)
	snapshots <- &analyzer.Snapshot{
		Version:       1,
		Opportunities: []domain.ArbitrageOpportunity{tradableOpp("ETH")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.trader.Run(ctx, snapshots) }()

	require.Eventually(t, func() bool {
		return h.gateway.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	h.sched.Wait()
}
