package analyzer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/arbengine/internal/domain"
)

type stubSource struct {
	mu      sync.Mutex
	spreads []domain.Spread
}

func (s *stubSource) Latest(ctx context.Context) ([]domain.Spread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Spread(nil), s.spreads...), nil
}

func (s *stubSource) set(spreads []domain.Spread) {
	s.mu.Lock()
	s.spreads = spreads
	s.mu.Unlock()
}

type recordingStore struct {
	mu       sync.Mutex
	inserted []domain.ArbitrageOpportunity
	expired  []string
}

func (r *recordingStore) Insert(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, opp)
	return nil
}

func (r *recordingStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == domain.OpportunityExpired {
		r.expired = append(r.expired, id)
	}
	return nil
}

func (r *recordingStore) List(ctx context.Context, filter domain.OpportunityFilter, opts domain.ListOpts) ([]domain.ArbitrageOpportunity, error) {
	return nil, nil
}

func testConfig() Config {
	return Config{
		TickInterval:        time.Second,
		MinMarginPct:        0.5,
		FeeOverheadPct:      0.5,
		MaxCycleLen:         4,
		BaseCurrencies:      []string{"USDT"},
		MinLiquidityScore:   0.1,
		MinLegDepth:         1,
		MaxNotionalPerTrade: 100000,
		FreshnessWindow:     5 * time.Second,
		VolumeWeight:        0.4,
		SpreadWeight:        0.3,
		BalanceWeight:       0.3,
	}
}

func newTestAnalyzer(src SpreadSource, store domain.OpportunityStore, now time.Time) *Analyzer {
	return New(testConfig(), src, NewBook(), store,
		domain.ClockFunc(func() time.Time { return now }),
		slog.New(slog.DiscardHandler))
}

// A bid crossing the ask on a single venue is the simplest detectable edge:
// bid 4080 over ask 4000 is a 2% gross spread, 1.5% net of the 0.5% margin.
func TestTickDetectsDirectCrossing(t *testing.T) {
	now := time.Now()
	src := &stubSource{spreads: []domain.Spread{{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 4080, BestAsk: 4000,
		DepthBid: 10, DepthAsk: 10,
		Timestamp: now,
	}}}

	a := newTestAnalyzer(src, nil, now)
	snap, err := a.Tick(context.Background())
	require.NoError(t, err)

	var direct []domain.ArbitrageOpportunity
	for _, o := range snap.Opportunities {
		if o.Kind == domain.KindDirect {
			direct = append(direct, o)
		}
	}
	require.Len(t, direct, 1)

	opp := direct[0]
	assert.InDelta(t, 1.5, opp.ExpectedROIPct, 1e-9)
	assert.Equal(t, "ETH", opp.Asset)
	assert.Equal(t, "USDT", opp.Fiat)
	require.Len(t, opp.Route, 2)
	assert.Equal(t, domain.SideBuy, opp.Route[0].Side)
	assert.Equal(t, 4000.0, opp.Route[0].Price)
	assert.Equal(t, domain.SideSell, opp.Route[1].Side)
	assert.Equal(t, 4080.0, opp.Route[1].Price)
	assert.Equal(t, domain.OpportunityDetected, opp.Status)
	assert.Greater(t, opp.LiquidityScore, 0.0)
}

func TestTickIgnoresSubMarginCrossing(t *testing.T) {
	now := time.Now()
	// 0.25% gross spread is under the 0.5% margin.
	src := &stubSource{spreads: []domain.Spread{{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 4010, BestAsk: 4000,
		DepthBid: 10, DepthAsk: 10,
		Timestamp: now,
	}}}

	a := newTestAnalyzer(src, nil, now)
	snap, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Opportunities)
}

func TestTickSkipsStaleSpreads(t *testing.T) {
	now := time.Now()
	src := &stubSource{spreads: []domain.Spread{{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 4080, BestAsk: 4000,
		DepthBid: 10, DepthAsk: 10,
		Timestamp: now.Add(-time.Minute), // past the freshness window
	}}}

	a := newTestAnalyzer(src, nil, now)
	snap, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Opportunities)
}

func TestTickDetectsCrossVenue(t *testing.T) {
	now := time.Now()
	src := &stubSource{spreads: []domain.Spread{
		{Asset: "ETH", Fiat: "USDT", Venue: "binance", BestBid: 3998, BestAsk: 4000, DepthBid: 10, DepthAsk: 10, Timestamp: now},
		{Asset: "ETH", Fiat: "USDT", Venue: "binance_p2p", BestBid: 4100, BestAsk: 4110, DepthBid: 10, DepthAsk: 10, Timestamp: now},
	}}

	cfg := testConfig()
	cfg.P2PVenues = map[string]bool{"binance_p2p": true}
	a := New(cfg, src, NewBook(), nil,
		domain.ClockFunc(func() time.Time { return now }),
		slog.New(slog.DiscardHandler))

	snap, err := a.Tick(context.Background())
	require.NoError(t, err)

	var found *domain.ArbitrageOpportunity
	for i, o := range snap.Opportunities {
		if o.Kind == domain.KindSpotToP2P {
			found = &snap.Opportunities[i]
		}
	}
	require.NotNil(t, found, "expected a spot-to-p2p opportunity")
	require.Len(t, found.Route, 2)
	assert.Equal(t, "binance", found.Route[0].Venue)
	assert.Equal(t, "binance_p2p", found.Route[1].Venue)
	// (4100 - 4000)/4000 = 2.5% gross, 2% net of margin, no fees configured.
	assert.InDelta(t, 2.0, found.ExpectedROIPct, 1e-9)
}

func TestTickExpiresUnconfirmed(t *testing.T) {
	now := time.Now()
	src := &stubSource{spreads: []domain.Spread{{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 4080, BestAsk: 4000,
		DepthBid: 10, DepthAsk: 10,
		Timestamp: now,
	}}}
	store := &recordingStore{}

	a := newTestAnalyzer(src, store, now)
	snap, err := a.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Opportunities, 1)
	oppID := snap.Opportunities[0].ID

	// The edge vanishes; the next tick must expire the unconfirmed entry.
	src.set(nil)
	snap, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Opportunities)
	assert.Equal(t, []string{oppID}, store.expired)
}

func TestTickPublishesSnapshots(t *testing.T) {
	now := time.Now()
	src := &stubSource{spreads: []domain.Spread{{
		Asset: "ETH", Fiat: "USDT", Venue: "binance",
		BestBid: 4080, BestAsk: 4000,
		DepthBid: 10, DepthAsk: 10,
		Timestamp: now,
	}}}

	a := newTestAnalyzer(src, nil, now)

	// Two ticks with no consumer: the newer snapshot displaces the older one.
	first, err := a.Tick(context.Background())
	require.NoError(t, err)
	second, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)

	select {
	case got := <-a.Snapshots():
		assert.Equal(t, second.Version, got.Version)
	default:
		t.Fatal("expected a pending snapshot")
	}
}

func TestRankOrdersByScoreThenRouteLength(t *testing.T) {
	short := domain.ArbitrageOpportunity{
		ID: "short", ExpectedROIPct: 2, LiquidityScore: 0.5,
		Route: make([]domain.Leg, 2),
	}
	long := domain.ArbitrageOpportunity{
		ID: "long", ExpectedROIPct: 2, LiquidityScore: 0.5,
		Route: make([]domain.Leg, 3),
	}
	best := domain.ArbitrageOpportunity{
		ID: "best", ExpectedROIPct: 3, LiquidityScore: 0.9,
		Route: make([]domain.Leg, 3),
	}

	opps := []domain.ArbitrageOpportunity{long, short, best}
	rank(opps)

	assert.Equal(t, "best", opps[0].ID)
	assert.Equal(t, "short", opps[1].ID, "ties prefer shorter routes")
	assert.Equal(t, "long", opps[2].ID)
}
