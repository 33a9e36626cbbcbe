package maker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
)

type stubFeed struct {
	spread domain.Spread
	err    error
}

func (f *stubFeed) Spread(ctx context.Context, venue, asset, fiat string) (domain.Spread, error) {
	return f.spread, f.err
}

type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	placed    []domain.OrderRequest
	cancelled []string
	placeErr  func(req domain.OrderRequest) error
	cancelErr error
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		if err := g.placeErr(req); err != nil {
			return domain.OrderResult{}, err
		}
	}
	g.nextID++
	g.placed = append(g.placed, req)
	return domain.OrderResult{OrderID: fmt.Sprintf("order-%d", g.nextID)}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, venue, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return false, g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID)
	return true, nil
}

func (g *fakeGateway) placements() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.placed...)
}

type stubVols struct{ vol float64 }

func (v *stubVols) AssetVolatility(ctx context.Context, asset string) (float64, error) {
	return v.vol, nil
}

type captureLauncher struct {
	mu   sync.Mutex
	opps []domain.ArbitrageOpportunity
	err  error
}

func (l *captureLauncher) Execute(ctx context.Context, opp domain.ArbitrageOpportunity, notional float64, strategy domain.ExecutionStrategy) (domain.ExecutionPlan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return domain.ExecutionPlan{}, l.err
	}
	l.opps = append(l.opps, opp)
	return domain.ExecutionPlan{ID: "plan-1"}, nil
}

func (l *captureLauncher) launched() []domain.ArbitrageOpportunity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ArbitrageOpportunity(nil), l.opps...)
}

func makerCfg() Config {
	return Config{
		Venue:              "binance",
		Pairs:              [][2]string{{"ETH", "USDT"}},
		RefreshInterval:    time.Second,
		HalfSpreadPct:      0.5,
		SkewGain:           1.0,
		QuoteSize:          100,
		TargetRatio:        0.5,
		ImbalanceBand:      0.05,
		RebalanceThreshold: 0.2,
		CancelRetries:      3,
	}
}

func balancedLedger() *inventory.Ledger {
	// 1 ETH at mid 2000 vs 2000 USDT: ratio 0.5.
	return inventory.NewLedger(map[string]float64{"ETH": 1, "USDT": 2000},
		slog.New(slog.DiscardHandler))
}

func newTestMaker(feed QuoteFeed, gw domain.OrderGateway, ledger *inventory.Ledger, launcher Launcher) *Maker {
	noon := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	return New(makerCfg(), feed, gw, ledger, &stubVols{}, launcher,
		domain.ClockFunc(func() time.Time { return noon }),
		slog.New(slog.DiscardHandler))
}

func TestRefreshPlacesTwoSidedRestingQuotes(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, DepthBid: 10, DepthAsk: 10,
		Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())

	placed := gw.placements()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.SideBuy, placed[0].Side)
	assert.Equal(t, domain.SideSell, placed[1].Side)
	assert.True(t, placed[0].Resting)
	assert.True(t, placed[1].Resting)
	assert.InDelta(t, 1990, placed[0].Price, 1e-9)
	assert.InDelta(t, 2010, placed[1].Price, 1e-9)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, PairActive, status[0].State)
	assert.True(t, status[0].Healthy)
	assert.InDelta(t, 0.5, status[0].InventoryRatio, 1e-9)
}

func TestRefreshReplacesPreviousQuotes(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())
	m.RefreshAll(context.Background())

	// The second cycle pulls both resting orders before placing new ones.
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Len(t, gw.placed, 4)
	assert.Equal(t, []string{"order-1", "order-2"}, gw.cancelled)
}

func TestRefreshParksPairOnCancelExhaustion(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())

	// Cancels start failing: the pair must park rather than stack quotes.
	gw.mu.Lock()
	gw.cancelErr = domain.ErrGatewayTransient
	gw.mu.Unlock()
	m.RefreshAll(context.Background())

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, PairInactive, status[0].State)
	assert.False(t, status[0].Healthy)

	// A parked pair is skipped on later cycles.
	before := len(gw.placements())
	m.RefreshAll(context.Background())
	assert.Len(t, gw.placements(), before)

	// Revive clears the flag and quoting resumes.
	gw.mu.Lock()
	gw.cancelErr = nil
	gw.mu.Unlock()
	require.NoError(t, m.Revive("ETH", "USDT"))
	m.RefreshAll(context.Background())
	assert.Greater(t, len(gw.placements()), before)
}

func TestWithdrawBacksOffBetweenCancelAttempts(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)
	m.cfg.CancelBackoff = 10 * time.Millisecond

	var waits []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	m.RefreshAll(context.Background())
	gw.mu.Lock()
	gw.cancelErr = domain.ErrGatewayTransient
	gw.mu.Unlock()
	m.RefreshAll(context.Background())

	// Three attempts on the first resting order, doubling the pause between
	// them; the pair parks before the second order is tried.
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
	status := m.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Healthy)
}

func TestWithdrawFatalErrorSkipsBackoff(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)
	m.cfg.CancelBackoff = 10 * time.Millisecond

	var waits []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	m.RefreshAll(context.Background())
	gw.mu.Lock()
	gw.cancelErr = domain.ErrGatewayFatal
	gw.mu.Unlock()
	m.RefreshAll(context.Background())

	assert.Empty(t, waits, "fatal gateway errors are not retried")
}

func TestStopWithdrawsAndSuspendsPair(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())
	require.Len(t, gw.placements(), 2)

	require.NoError(t, m.Stop(context.Background(), "ETH", "USDT"))
	gw.mu.Lock()
	cancelled := len(gw.cancelled)
	gw.mu.Unlock()
	assert.Equal(t, 2, cancelled, "both resting quotes pulled")

	// A stopped pair is skipped until started again.
	m.RefreshAll(context.Background())
	assert.Len(t, gw.placements(), 2)

	require.NoError(t, m.Start("ETH", "USDT"))
	m.RefreshAll(context.Background())
	assert.Len(t, gw.placements(), 4)
}

func TestStopUnknownPair(t *testing.T) {
	m := newTestMaker(&stubFeed{}, &fakeGateway{}, balancedLedger(), nil)
	assert.ErrorIs(t, m.Stop(context.Background(), "XRP", "EUR"), domain.ErrNotFound)
}

func TestStartAddsUnconfiguredPair(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "BTC", Fiat: "USDT", Venue: "binance",
		BestBid: 29500, BestAsk: 30500, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	ledger := inventory.NewLedger(map[string]float64{"BTC": 1, "USDT": 30000},
		slog.New(slog.DiscardHandler))
	m := newTestMaker(feed, gw, ledger, nil)

	require.NoError(t, m.Start("BTC", "USDT"))
	m.RefreshAll(context.Background())

	// Both the configured ETH pair and the new BTC pair quoted.
	assert.Len(t, m.Status(), 2)
}

func TestReviveUnknownPair(t *testing.T) {
	m := newTestMaker(&stubFeed{}, &fakeGateway{}, balancedLedger(), nil)
	assert.ErrorIs(t, m.Revive("XRP", "EUR"), domain.ErrNotFound)
}

func TestRefreshCancelsOrphanBidWhenAskFails(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	gw := &fakeGateway{}
	gw.placeErr = func(req domain.OrderRequest) error {
		if req.Side == domain.SideSell {
			return domain.ErrGatewayTransient
		}
		return nil
	}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.placed, 1, "only the bid went out")
	assert.Equal(t, []string{"order-1"}, gw.cancelled, "orphan bid pulled")
}

func TestRebalanceLaunchedWhenLongAsset(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, DepthBid: 100, DepthAsk: 100,
		Timestamp: time.Now(),
	}}
	// 4 ETH at mid 2000 = 8000 vs 2000 USDT: ratio 0.8, drift 0.3 past the
	// 0.2 threshold.
	ledger := inventory.NewLedger(map[string]float64{"ETH": 4, "USDT": 2000},
		slog.New(slog.DiscardHandler))
	launcher := &captureLauncher{}
	m := newTestMaker(feed, &fakeGateway{}, ledger, launcher)

	m.RefreshAll(context.Background())

	launched := launcher.launched()
	require.Len(t, launched, 1)
	opp := launched[0]
	assert.Equal(t, domain.KindRebalance, opp.Kind)
	require.Len(t, opp.Route, 1)
	assert.Equal(t, domain.SideSell, opp.Route[0].Side, "long the asset: sell it down")
	assert.Equal(t, "ETH", opp.Route[0].AssetIn)
	assert.Equal(t, "USDT", opp.Route[0].AssetOut)
}

func TestRebalanceLaunchedWhenLongFiat(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, DepthBid: 100, DepthAsk: 100,
		Timestamp: time.Now(),
	}}
	ledger := inventory.NewLedger(map[string]float64{"ETH": 0.1, "USDT": 8000},
		slog.New(slog.DiscardHandler))
	launcher := &captureLauncher{}
	m := newTestMaker(feed, &fakeGateway{}, ledger, launcher)

	m.RefreshAll(context.Background())

	launched := launcher.launched()
	require.Len(t, launched, 1)
	assert.Equal(t, domain.SideBuy, launched[0].Route[0].Side, "long the fiat: buy the asset back")
}

func TestRebalanceSkippedInsideThreshold(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	launcher := &captureLauncher{}
	m := newTestMaker(feed, &fakeGateway{}, balancedLedger(), launcher)

	m.RefreshAll(context.Background())
	assert.Empty(t, launcher.launched())
}

func TestRebalanceActivePlanIsSilentlySkipped(t *testing.T) {
	feed := &stubFeed{spread: domain.Spread{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 1950, BestAsk: 2050, Timestamp: time.Now(),
	}}
	ledger := inventory.NewLedger(map[string]float64{"ETH": 4, "USDT": 2000},
		slog.New(slog.DiscardHandler))
	launcher := &captureLauncher{err: domain.ErrPlanActive}
	m := newTestMaker(feed, &fakeGateway{}, ledger, launcher)

	// Must not error or spam: the running plan already covers the drift.
	m.RefreshAll(context.Background())
	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, PairActive, status[0].State)
}

func TestRefreshNoMarketDataKeepsPairIdle(t *testing.T) {
	feed := &stubFeed{err: domain.ErrNotFound}
	gw := &fakeGateway{}
	m := newTestMaker(feed, gw, balancedLedger(), nil)

	m.RefreshAll(context.Background())
	assert.Empty(t, gw.placements())

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, PairInactive, status[0].State)
}
