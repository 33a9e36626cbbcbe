package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/arbengine/internal/analyzer"
	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/feed"
	"github.com/quantfold/arbengine/internal/inventory"
	"github.com/quantfold/arbengine/internal/maker"
	"github.com/quantfold/arbengine/internal/risk"
	"github.com/quantfold/arbengine/internal/scheduler"
	"github.com/quantfold/arbengine/internal/server"
	"github.com/quantfold/arbengine/internal/server/handler"
	"github.com/quantfold/arbengine/internal/trader"
	"github.com/quantfold/arbengine/internal/venue/binance"
)

// serverShutdownTimeout bounds how long in-flight HTTP requests may run after
// the stop signal.
const serverShutdownTimeout = 10 * time.Second

// services bundles the mode-dependent components built on top of the wired
// dependencies.
type services struct {
	feed     *feed.Service
	streams  []*feed.VenueStream
	analyzer *analyzer.Analyzer
	ledger   *inventory.Ledger
	sched    *scheduler.Scheduler
	trader   *trader.Trader
	maker    *maker.Maker
}

// DetectMode runs feed and analyzer only: opportunities are detected,
// published, and persisted, but never executed.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")

	svcs := a.buildServices(deps, false, false)
	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, svcs)
	g.Go(func() error { return svcs.analyzer.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// TradeMode adds the risk engine, scheduler, and auto-trade loop on top of
// detection.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	svcs := a.buildServices(deps, true, false)
	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, svcs)
	g.Go(func() error { return svcs.analyzer.Run(ctx) })
	g.Go(func() error { return svcs.trader.Run(ctx, svcs.analyzer.Snapshots()) })
	a.startScheduler(ctx, g, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// MakeMode runs the market maker with the scheduler available for inventory
// rebalancing; no opportunity detection.
func (a *App) MakeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting make mode")

	svcs := a.buildServices(deps, true, true)
	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, svcs)
	g.Go(func() error { return svcs.maker.Run(ctx) })
	a.startScheduler(ctx, g, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// FullMode runs detection, automated trading, and market making together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs := a.buildServices(deps, true, true)
	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, svcs)
	g.Go(func() error { return svcs.analyzer.Run(ctx) })
	g.Go(func() error { return svcs.trader.Run(ctx, svcs.analyzer.Snapshots()) })
	g.Go(func() error { return svcs.maker.Run(ctx) })
	a.startScheduler(ctx, g, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// buildServices constructs the mode-dependent component graph.
func (a *App) buildServices(deps *Dependencies, withExecution, withMaker bool) *services {
	cfg := a.cfg
	logger := slog.Default()

	svcs := &services{}

	svcs.feed = feed.NewService(feed.Config{
		Pairs:           cfg.PairKeys(),
		RefreshInterval: cfg.Feed.RefreshInterval.Duration,
		FreshnessWindow: cfg.Feed.FreshnessWindow.Duration,
		CallsPerSecond:  cfg.Feed.CallsPerSecond,
		CallBurst:       cfg.Feed.CallBurst,
		VolumeBuckets:   cfg.Feed.VolumeBuckets,
	}, deps.Venues, deps.PairStatusCache, deps.SpreadCache, nil, logger)

	// Push streams bypass the polling budget for venues that support them.
	if cfg.Venues.Binance.WSURL != "" && hasVenue(deps.Venues, binance.Name) {
		svcs.streams = append(svcs.streams, feed.NewVenueStream(
			binance.Name, cfg.Venues.Binance.WSURL, cfg.PairKeys(), svcs.feed, logger))
	}

	p2p := make(map[string]bool, len(cfg.Analyzer.P2PVenues))
	for _, v := range cfg.Analyzer.P2PVenues {
		p2p[v] = true
	}
	book := analyzer.NewBook()
	svcs.analyzer = analyzer.New(analyzer.Config{
		TickInterval:        cfg.Analyzer.TickInterval.Duration,
		MinMarginPct:        cfg.Analyzer.MinMarginPct,
		FeeOverheadPct:      cfg.Analyzer.FeeOverheadPct,
		MaxCycleLen:         cfg.Analyzer.MaxCycleLen,
		BaseCurrencies:      cfg.Analyzer.BaseCurrencies,
		MinLiquidityScore:   cfg.Analyzer.MinLiquidityScore,
		MinLegDepth:         cfg.Analyzer.MinLegDepth,
		MaxNotionalPerTrade: cfg.Analyzer.MaxNotionalPerTrade,
		FreshnessWindow:     cfg.Feed.FreshnessWindow.Duration,
		VenueFeePct:         cfg.Analyzer.VenueFeePct,
		P2PVenues:           p2p,
		VolumeWeight:        cfg.Analyzer.LiquidityVolumeWeight,
		SpreadWeight:        cfg.Analyzer.LiquiditySpreadWeight,
		BalanceWeight:       cfg.Analyzer.LiquidityBalanceWeight,
	}, svcs.feed, book, deps.OpportunityStore, nil, logger)

	if !withExecution && !withMaker {
		return svcs
	}

	svcs.ledger = inventory.NewLedger(cfg.Inventory.Balances, logger)

	sink := newEventSink(deps, logger)
	marks := &oppMarker{book: book, store: deps.OpportunityStore, logger: logger}
	svcs.sched = scheduler.New(scheduler.Config{
		DefaultStrategy: domain.ExecutionStrategy(cfg.Execution.Strategy),
		Chunks:          cfg.Execution.Chunks,
		Duration:        cfg.Execution.Duration.Duration,
		VisibleSlice:    cfg.Execution.VisibleSlice,
		RefreshInterval: cfg.Execution.RefreshInterval.Duration,
		MaxRetries:      cfg.Execution.MaxRetries,
		RetryBackoff:    cfg.Execution.RetryBackoff.Duration,
		GatewayTimeout:  cfg.Execution.GatewayTimeout.Duration,
		FreshnessWindow: cfg.Execution.FreshnessWindow.Duration,
		VenueFeePct:     cfg.Analyzer.VenueFeePct,
	}, deps.Gateway, svcs.ledger, deps.PlanStore, sink, svcs.feed, svcs.feed, marks, nil, logger)

	if withExecution {
		engine := risk.NewEngine(risk.Config{
			RiskCapital:       cfg.Risk.RiskCapital,
			KellyMultiplier:   cfg.Risk.KellyMultiplier,
			GlobalRiskCap:     cfg.Risk.GlobalRiskCap,
			VarConfidence:     cfg.Risk.VarConfidence,
			LossTolerancePct:  cfg.Risk.LossTolerancePct,
			DefaultWinProb:    cfg.Risk.DefaultWinProb,
			InventoryBandPct:  cfg.Risk.InventoryBandPct,
			MinNotional:       cfg.Risk.MinNotional,
			FreshnessWindow:   cfg.Execution.FreshnessWindow.Duration,
			MinLiquidityScore: cfg.Analyzer.MinLiquidityScore,
		}, logger)

		svcs.trader = trader.New(trader.Config{
			Strategy: domain.ExecutionStrategy(cfg.Execution.Strategy),
		}, engine, deps.PerformanceStore, svcs.ledger, svcs.sched, marks, nil, logger)
	}

	if withMaker {
		svcs.maker = maker.New(maker.Config{
			Venue:              binance.Name,
			Pairs:              cfg.PairKeys(),
			RefreshInterval:    cfg.Maker.RefreshInterval.Duration,
			HalfSpreadPct:      cfg.Maker.HalfSpreadPct,
			SkewGain:           cfg.Maker.SkewGain,
			VolWidenGain:       cfg.Maker.VolWidenGain,
			QuoteSize:          cfg.Maker.QuoteSize,
			TargetRatio:        cfg.Maker.TargetRatio,
			ImbalanceBand:      cfg.Maker.ImbalanceBand,
			RebalanceThreshold: cfg.Maker.RebalanceThreshold,
			CancelRetries:      cfg.Maker.CancelRetries,
			CancelBackoff:      cfg.Maker.CancelBackoff.Duration,
			OffPeakStartHour:   cfg.Maker.OffPeakStartHour,
			OffPeakEndHour:     cfg.Maker.OffPeakEndHour,
			OffPeakWidenPct:    cfg.Maker.OffPeakWidenPct,
		}, svcs.feed, deps.Gateway, svcs.ledger, deps.PerformanceStore, svcs.sched, nil, logger)
	}

	return svcs
}

// startFeed launches the polling loop and any push streams.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, svcs *services) {
	g.Go(func() error { return svcs.feed.Run(ctx) })
	for _, stream := range svcs.streams {
		g.Go(func() error {
			defer stream.Close()
			return stream.Run(ctx)
		})
	}
}

// startScheduler registers the drain goroutine: on shutdown every live plan
// is cancelled and awaited so reservations are released before exit.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, svcs *services) {
	g.Go(func() error {
		<-ctx.Done()
		svcs.sched.CancelAll()
		svcs.sched.Wait()
		return ctx.Err()
	})
}

// startHTTPServer registers the API surface for the components that exist in
// this mode.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		return
	}
	logger := slog.Default()

	pingers := []handler.Pinger{{Name: "redis", Ping: deps.RedisPing}}
	if deps.PostgresPing != nil {
		pingers = append(pingers, handler.Pinger{Name: "postgres", Ping: deps.PostgresPing})
	}

	handlers := server.Handlers{
		Health: handler.NewHealth(pingers, logger),
	}
	if svcs.analyzer != nil {
		handlers.Opportunity = handler.NewOpportunity(svcs.analyzer.Book(), deps.OpportunityStore, logger)
	}
	if svcs.sched != nil && svcs.analyzer != nil {
		var sizer handler.Sizer
		if svcs.trader != nil {
			sizer = svcs.trader
		}
		handlers.Execution = handler.NewExecution(svcs.analyzer.Book(), svcs.sched, sizer, logger)
	}
	if svcs.ledger != nil {
		handlers.Inventory = handler.NewInventory(svcs.ledger, logger)
	}
	if svcs.maker != nil {
		handlers.Maker = handler.NewMaker(svcs.maker, logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, logger)

	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.Any("error", err))
		}
		return ctx.Err()
	})
}

// oppMarker fans opportunity status transitions out to the live book and the
// persisted history. Unknown IDs (synthetic rebalance opportunities) are
// ignored by both sides.
type oppMarker struct {
	book   *analyzer.Book
	store  domain.OpportunityStore
	logger *slog.Logger
}

var _ domain.OpportunityMarker = (*oppMarker)(nil)

func (m *oppMarker) MarkOpportunity(ctx context.Context, id string, status domain.OpportunityStatus) {
	m.book.SetStatus(id, status)
	if m.store == nil {
		return
	}
	if err := m.store.UpdateStatus(ctx, id, status); err != nil {
		m.logger.Warn("opportunity status update failed",
			slog.String("opp_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func hasVenue(venues []domain.VenueClient, name string) bool {
	for _, v := range venues {
		if v.Name() == name {
			return true
		}
	}
	return false
}
