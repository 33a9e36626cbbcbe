// Package analyzer discovers direct, triangular, and cross-venue arbitrage
// opportunities from the latest spread set and publishes them as versioned,
// immutable snapshots.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbengine/internal/domain"
)

// SpreadSource supplies the latest normalized spreads per (venue, pair). The
// feed service implements it.
type SpreadSource interface {
	Latest(ctx context.Context) ([]domain.Spread, error)
}

// Config holds the detection parameters.
type Config struct {
	TickInterval        time.Duration
	MinMarginPct        float64
	FeeOverheadPct      float64
	MaxCycleLen         int
	BaseCurrencies      []string
	MinLiquidityScore   float64
	MinLegDepth         float64
	MaxNotionalPerTrade float64
	FreshnessWindow     time.Duration
	VenueFeePct         map[string]float64
	P2PVenues           map[string]bool

	// Liquidity score blend weights; normalized at use.
	VolumeWeight  float64
	SpreadWeight  float64
	BalanceWeight float64
}

// Analyzer runs opportunity detection on a fixed cadence.
type Analyzer struct {
	cfg    Config
	source SpreadSource
	book   *Book
	store  domain.OpportunityStore // optional
	clock  domain.Clock
	logger *slog.Logger
	snapCh chan *Snapshot
}

// New creates an Analyzer publishing into the given book. store may be nil
// when history persistence is disabled.
func New(cfg Config, source SpreadSource, book *Book, store domain.OpportunityStore, clock domain.Clock, logger *slog.Logger) *Analyzer {
	if clock == nil {
		clock = domain.ClockFunc(time.Now)
	}
	return &Analyzer{
		cfg:    cfg,
		source: source,
		book:   book,
		store:  store,
		clock:  clock,
		logger: logger.With(slog.String("component", "analyzer")),
		snapCh: make(chan *Snapshot, 1),
	}
}

// Book returns the opportunity book the analyzer publishes into.
func (a *Analyzer) Book() *Book { return a.book }

// Snapshots delivers published snapshots to the trade loop. The channel holds
// one pending snapshot; a slow consumer sees the newest and skips the rest.
func (a *Analyzer) Snapshots() <-chan *Snapshot { return a.snapCh }

// Run re-evaluates opportunities on every tick until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.logger.Info("analyzer started", slog.Duration("tick", a.cfg.TickInterval))
	defer a.logger.Info("analyzer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Tick(ctx); err != nil {
				a.logger.Warn("analyzer tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick pulls the latest spreads, detects and ranks opportunities, publishes
// the new snapshot, and expires unconfirmed entries from the previous tick.
func (a *Analyzer) Tick(ctx context.Context) (*Snapshot, error) {
	spreads, err := a.source.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyzer: fetch spreads: %w", err)
	}

	now := a.clock.Now()

	// Stale spreads never seed opportunities; the feed may still be serving
	// a last-known-good value past its window when a venue is rate-limited.
	fresh := spreads[:0:0]
	for _, s := range spreads {
		if !s.Stale(now, a.cfg.FreshnessWindow) {
			fresh = append(fresh, s)
		}
	}

	opps := a.detectDirect(fresh, now)
	opps = append(opps, a.detectCrossVenue(fresh, now)...)
	opps = append(opps, a.detectTriangular(fresh, now)...)

	rank(opps)

	snap, expired := a.book.Replace(opps, now)

	if a.store != nil {
		for _, o := range opps {
			if err := a.store.Insert(ctx, o); err != nil {
				a.logger.Warn("opportunity insert failed",
					slog.String("opp_id", o.ID), slog.String("error", err.Error()))
			}
		}
		for _, o := range expired {
			if err := a.store.UpdateStatus(ctx, o.ID, domain.OpportunityExpired); err != nil {
				a.logger.Warn("opportunity expire failed",
					slog.String("opp_id", o.ID), slog.String("error", err.Error()))
			}
		}
	}

	a.publish(snap)

	a.logger.Debug("tick complete",
		slog.Uint64("version", snap.Version),
		slog.Int("opportunities", len(opps)),
		slog.Int("expired", len(expired)),
	)
	return snap, nil
}

// publish hands the snapshot to the trade loop, displacing an unconsumed
// older one.
func (a *Analyzer) publish(snap *Snapshot) {
	for {
		select {
		case a.snapCh <- snap:
			return
		default:
			select {
			case <-a.snapCh:
			default:
			}
		}
	}
}

// detectDirect finds single-venue bid/ask crossings:
// roi = (best_bid - best_ask)/best_ask - min_margin.
func (a *Analyzer) detectDirect(spreads []domain.Spread, now time.Time) []domain.ArbitrageOpportunity {
	var out []domain.ArbitrageOpportunity
	for _, s := range spreads {
		if s.BestAsk <= 0 || s.BestBid <= 0 {
			continue
		}
		if s.DepthBid < a.cfg.MinLegDepth || s.DepthAsk < a.cfg.MinLegDepth {
			continue
		}
		roiPct := (s.BestBid-s.BestAsk)/s.BestAsk*100 - a.cfg.MinMarginPct
		if roiPct <= 0 {
			continue
		}

		score := a.liquidityScore(s, domain.SideBuy)
		if sell := a.liquidityScore(s, domain.SideSell); sell < score {
			score = sell
		}
		notional := math.Min(s.DepthAsk*s.BestAsk, s.DepthBid*s.BestBid)
		notional = math.Min(notional, a.cfg.MaxNotionalPerTrade)

		fee := a.cfg.VenueFeePct[s.Venue]
		out = append(out, domain.ArbitrageOpportunity{
			ID:    uuid.New().String(),
			Kind:  domain.KindDirect,
			Asset: s.Asset,
			Fiat:  s.Fiat,
			Route: []domain.Leg{
				{AssetIn: s.Fiat, AssetOut: s.Asset, Venue: s.Venue, Side: domain.SideBuy, Price: s.BestAsk, FeePct: fee, VolumeCap: s.DepthAsk * s.BestAsk, Liquidity: score},
				{AssetIn: s.Asset, AssetOut: s.Fiat, Venue: s.Venue, Side: domain.SideSell, Price: s.BestBid, FeePct: fee, VolumeCap: s.DepthBid, Liquidity: score},
			},
			ExpectedROIPct: roiPct,
			MaxNotional:    notional,
			LiquidityScore: score,
			DetectedAt:     now,
			SpreadAt:       s.Timestamp,
			Status:         domain.OpportunityDetected,
		})
	}
	return out
}

// detectCrossVenue compares the same pair across two venues: buy the ask on
// one, sell the bid on the other, net of each venue's fee model. Routes
// touching a P2P venue are classified spot_to_p2p, otherwise cross_currency.
func (a *Analyzer) detectCrossVenue(spreads []domain.Spread, now time.Time) []domain.ArbitrageOpportunity {
	byPair := make(map[domain.PairKey][]domain.Spread)
	for _, s := range spreads {
		k := domain.PairKey{Asset: s.Asset, Fiat: s.Fiat}
		byPair[k] = append(byPair[k], s)
	}

	var out []domain.ArbitrageOpportunity
	for pair, group := range byPair {
		if len(group) < 2 {
			continue
		}
		for _, buy := range group {
			for _, sell := range group {
				if buy.Venue == sell.Venue {
					continue
				}
				if buy.BestAsk <= 0 || sell.BestBid <= 0 {
					continue
				}
				if buy.DepthAsk < a.cfg.MinLegDepth || sell.DepthBid < a.cfg.MinLegDepth {
					continue
				}

				buyFee := a.cfg.VenueFeePct[buy.Venue] / 100
				sellFee := a.cfg.VenueFeePct[sell.Venue] / 100
				cost := buy.BestAsk * (1 + buyFee)
				proceeds := sell.BestBid * (1 - sellFee)
				roiPct := (proceeds-cost)/cost*100 - a.cfg.MinMarginPct
				if roiPct <= 0 {
					continue
				}

				kind := domain.KindCrossCurrency
				if a.cfg.P2PVenues[buy.Venue] || a.cfg.P2PVenues[sell.Venue] {
					kind = domain.KindSpotToP2P
				}

				buyScore := a.liquidityScore(buy, domain.SideBuy)
				sellScore := a.liquidityScore(sell, domain.SideSell)
				score := math.Min(buyScore, sellScore)

				notional := math.Min(buy.DepthAsk*buy.BestAsk, sell.DepthBid*sell.BestBid)
				notional = math.Min(notional, a.cfg.MaxNotionalPerTrade)

				spreadAt := buy.Timestamp
				if sell.Timestamp.Before(spreadAt) {
					spreadAt = sell.Timestamp
				}

				out = append(out, domain.ArbitrageOpportunity{
					ID:    uuid.New().String(),
					Kind:  kind,
					Asset: pair.Asset,
					Fiat:  pair.Fiat,
					Route: []domain.Leg{
						{AssetIn: pair.Fiat, AssetOut: pair.Asset, Venue: buy.Venue, Side: domain.SideBuy, Price: buy.BestAsk, FeePct: buyFee * 100, VolumeCap: buy.DepthAsk * buy.BestAsk, Liquidity: buyScore},
						{AssetIn: pair.Asset, AssetOut: pair.Fiat, Venue: sell.Venue, Side: domain.SideSell, Price: sell.BestBid, FeePct: sellFee * 100, VolumeCap: sell.DepthBid, Liquidity: sellScore},
					},
					ExpectedROIPct: roiPct,
					MaxNotional:    notional,
					LiquidityScore: score,
					DetectedAt:     now,
					SpreadAt:       spreadAt,
					Status:         domain.OpportunityDetected,
				})
			}
		}
	}
	return out
}

// detectTriangular enumerates profitable currency cycles from each base
// currency over the executable-rate graph.
func (a *Analyzer) detectTriangular(spreads []domain.Spread, now time.Time) []domain.ArbitrageOpportunity {
	graph := NewRateGraph(spreads, a.cfg.VenueFeePct, a.liquidityScore)
	minRate := 1 + a.cfg.FeeOverheadPct/100

	var out []domain.ArbitrageOpportunity
	for _, base := range a.cfg.BaseCurrencies {
		for _, cyc := range graph.Cycles(base, a.cfg.MaxCycleLen, minRate) {
			if len(cyc.legs) < 3 {
				// Two-leg cycles are direct/cross-venue territory.
				continue
			}
			score := minLegLiquidity(cyc.legs)
			if score < a.cfg.MinLiquidityScore {
				continue
			}

			route := make([]domain.Leg, 0, len(cyc.legs))
			for _, e := range cyc.legs {
				route = append(route, domain.Leg{
					AssetIn:   e.from,
					AssetOut:  e.to,
					Venue:     e.venue,
					Side:      e.side,
					Price:     e.price,
					FeePct:    e.feePct,
					VolumeCap: e.volumeCap,
					Liquidity: e.liquidity,
				})
			}

			notional := math.Min(routeNotionalCap(cyc.legs), a.cfg.MaxNotionalPerTrade)

			out = append(out, domain.ArbitrageOpportunity{
				ID:             uuid.New().String(),
				Kind:           domain.KindTriangular,
				Asset:          route[1].AssetIn, // first non-base asset on the cycle
				Fiat:           base,
				Route:          route,
				ExpectedROIPct: (cyc.compoundedRate - 1) * 100,
				MaxNotional:    notional,
				LiquidityScore: score,
				DetectedAt:     now,
				SpreadAt:       oldestLegTime(cyc.legs),
				Status:         domain.OpportunityDetected,
			})
		}
	}
	return out
}

// liquidityScore blends depth, spread tightness, and book balance into a
// [0,1] confidence. The blend weights are tunable configuration.
func (a *Analyzer) liquidityScore(s domain.Spread, side domain.Side) float64 {
	depth := s.DepthAsk
	if side == domain.SideSell {
		depth = s.DepthBid
	}

	// Volume: saturating ratio of depth to the minimum useful leg depth.
	volume := 0.0
	if a.cfg.MinLegDepth > 0 {
		volume = math.Min(depth/(a.cfg.MinLegDepth*4), 1)
	} else if depth > 0 {
		volume = 1
	}

	// Spread tightness: 1 at zero spread, 0 at >= 5%.
	tightness := 0.0
	if mid := s.Mid(); mid > 0 {
		spreadPct := (s.BestAsk - s.BestBid) / mid * 100
		tightness = math.Max(0, 1-spreadPct/5)
	}

	// Balance: ratio of the thin side to the thick side of the book.
	balance := 0.0
	if maxDepth := math.Max(s.DepthBid, s.DepthAsk); maxDepth > 0 {
		balance = math.Min(s.DepthBid, s.DepthAsk) / maxDepth
	}

	total := a.cfg.VolumeWeight + a.cfg.SpreadWeight + a.cfg.BalanceWeight
	if total <= 0 {
		return 0
	}
	score := (a.cfg.VolumeWeight*volume + a.cfg.SpreadWeight*tightness + a.cfg.BalanceWeight*balance) / total
	return math.Max(0, math.Min(1, score))
}

// rank orders by liquidity-adjusted ROI descending; ties prefer shorter
// routes, then higher liquidity (a proxy for lower execution risk).
func rank(opps []domain.ArbitrageOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		si, sj := opps[i].RankScore(), opps[j].RankScore()
		if si != sj {
			return si > sj
		}
		if len(opps[i].Route) != len(opps[j].Route) {
			return len(opps[i].Route) < len(opps[j].Route)
		}
		return opps[i].LiquidityScore > opps[j].LiquidityScore
	})
}
