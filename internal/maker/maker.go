// Package maker runs an inventory-skewed market maker. Each configured pair
// moves through a small state machine (inactive -> active -> refreshing ->
// active) as quotes are placed, re-priced, and replaced; when inventory
// drifts past the rebalance threshold the maker synthesizes a rebalance
// opportunity and hands it to the execution scheduler like any detected one.
package maker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
)

// PairState is the per-pair quoting state.
type PairState string

const (
	PairInactive   PairState = "inactive"
	PairActive     PairState = "active"
	PairRefreshing PairState = "refreshing"
)

// Config holds the maker's runtime parameters. Venue is the single venue the
// maker rests quotes on.
type Config struct {
	Venue              string
	Pairs              [][2]string // (asset, fiat)
	RefreshInterval    time.Duration
	HalfSpreadPct      float64
	SkewGain           float64
	VolWidenGain       float64
	QuoteSize          float64
	TargetRatio        float64
	ImbalanceBand      float64
	RebalanceThreshold float64
	CancelRetries      int
	CancelBackoff      time.Duration
	OffPeakStartHour   int
	OffPeakEndHour     int
	OffPeakWidenPct    float64
}

// QuoteFeed supplies the competitor spread the maker prices around.
type QuoteFeed interface {
	Spread(ctx context.Context, venue, asset, fiat string) (domain.Spread, error)
}

// VolSource supplies recent realized volatility per asset.
type VolSource interface {
	AssetVolatility(ctx context.Context, asset string) (float64, error)
}

// Launcher submits a synthesized rebalance opportunity for execution.
type Launcher interface {
	Execute(ctx context.Context, opp domain.ArbitrageOpportunity, notional float64, strategy domain.ExecutionStrategy) (domain.ExecutionPlan, error)
}

// PairStatus is the externally visible state of one quoted pair.
type PairStatus struct {
	Asset          string    `json:"asset"`
	Fiat           string    `json:"fiat"`
	State          PairState `json:"state"`
	Bid            float64   `json:"bid"`
	Ask            float64   `json:"ask"`
	InventoryRatio float64   `json:"inventory_ratio"`
	Healthy        bool      `json:"healthy"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// pairBook is the maker's private state for one pair.
type pairBook struct {
	asset, fiat string
	state       PairState
	bidOrderID  string
	askOrderID  string
	quote       Quote
	ratio       float64
	healthy     bool
	stopped     bool
	updatedAt   time.Time
}

// Maker quotes both sides of each configured pair and keeps inventory near
// the target ratio.
type Maker struct {
	cfg      Config
	feed     QuoteFeed
	gateway  domain.OrderGateway
	ledger   *inventory.Ledger
	vols     VolSource
	launcher Launcher
	clock    domain.Clock
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	pairs map[string]*pairBook
}

// New creates a Maker. vols and launcher may be nil: volatility then defaults
// to zero widening and rebalancing is disabled.
func New(cfg Config, feed QuoteFeed, gateway domain.OrderGateway, ledger *inventory.Ledger,
	vols VolSource, launcher Launcher, clock domain.Clock, logger *slog.Logger) *Maker {
	if clock == nil {
		clock = domain.ClockFunc(time.Now)
	}
	m := &Maker{
		cfg:      cfg,
		feed:     feed,
		gateway:  gateway,
		ledger:   ledger,
		vols:     vols,
		launcher: launcher,
		clock:    clock,
		logger:   logger.With(slog.String("component", "maker")),
		sleep:    sleepCtx,
		pairs:    make(map[string]*pairBook, len(cfg.Pairs)),
	}
	for _, pair := range cfg.Pairs {
		m.pairs[pair[0]+"/"+pair[1]] = &pairBook{
			asset:   pair[0],
			fiat:    pair[1],
			state:   PairInactive,
			healthy: true,
		}
	}
	return m
}

// Run refreshes quotes on the configured cadence until ctx is cancelled, then
// pulls all resting quotes.
func (m *Maker) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	m.logger.Info("maker started",
		slog.String("venue", m.cfg.Venue),
		slog.Int("pairs", len(m.pairs)),
	)
	defer m.logger.Info("maker stopped")

	m.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.withdrawAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

// RefreshAll runs one quote cycle for every healthy pair.
func (m *Maker) RefreshAll(ctx context.Context) {
	m.mu.Lock()
	books := make([]*pairBook, 0, len(m.pairs))
	for _, b := range m.pairs {
		books = append(books, b)
	}
	m.mu.Unlock()

	for _, b := range books {
		if err := m.refreshPair(ctx, b); err != nil {
			m.logger.Warn("pair refresh failed",
				slog.String("pair", b.asset+"/"+b.fiat),
				slog.String("error", err.Error()),
			)
		}
	}
}

// refreshPair runs the pair through one cycle of the state machine: pull the
// previous quote, re-price off the current spread and inventory, and rest the
// new quote. An unhealthy pair stays inactive until cancels succeed again.
func (m *Maker) refreshPair(ctx context.Context, b *pairBook) error {
	m.mu.Lock()
	skip := !b.healthy || b.stopped
	m.mu.Unlock()
	if skip {
		return nil
	}

	spread, err := m.feed.Spread(ctx, m.cfg.Venue, b.asset, b.fiat)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // no market data yet
		}
		return fmt.Errorf("maker: spread %s/%s: %w", b.asset, b.fiat, err)
	}

	m.setState(b, PairRefreshing)
	if err := m.withdraw(ctx, b); err != nil {
		// Resting orders we cannot cancel are unbounded exposure: park the
		// pair and alert rather than stacking more quotes on top.
		m.mu.Lock()
		b.healthy = false
		b.state = PairInactive
		m.mu.Unlock()
		m.logger.Error("cancel retries exhausted, pair parked",
			slog.String("pair", b.asset+"/"+b.fiat),
			slog.String("error", err.Error()),
		)
		return err
	}

	vol := 0.0
	if m.vols != nil {
		if v, err := m.vols.AssetVolatility(ctx, b.asset); err == nil {
			vol = v
		}
	}
	ratio := m.ledger.Ratio(b.asset, b.fiat, spread.Mid())

	quote := computeQuote(m.cfg, QuoteInputs{
		Spread:         spread,
		InventoryRatio: ratio,
		Volatility:     vol,
		Hour:           m.clock.Now().Hour(),
	})
	if quote.Bid <= 0 || quote.Ask <= 0 {
		m.setState(b, PairInactive)
		return nil
	}

	bidID, askID, err := m.place(ctx, b, quote)
	if err != nil {
		m.setState(b, PairInactive)
		return err
	}

	m.mu.Lock()
	b.bidOrderID = bidID
	b.askOrderID = askID
	b.quote = quote
	b.ratio = ratio
	b.state = PairActive
	b.updatedAt = m.clock.Now()
	m.mu.Unlock()

	m.maybeRebalance(ctx, b, spread, ratio)
	return nil
}

// withdraw cancels the pair's resting orders with bounded retries per side,
// backing off between attempts so a throttling venue gets room to recover.
func (m *Maker) withdraw(ctx context.Context, b *pairBook) error {
	m.mu.Lock()
	ids := []string{b.bidOrderID, b.askOrderID}
	b.bidOrderID, b.askOrderID = "", ""
	m.mu.Unlock()

	for _, id := range ids {
		if id == "" {
			continue
		}
		var lastErr error
		done := false
		for attempt := 1; attempt <= m.cfg.CancelRetries; attempt++ {
			ok, err := m.gateway.CancelOrder(ctx, m.cfg.Venue, id)
			if err == nil {
				_ = ok // already-gone orders count as cancelled
				done = true
				break
			}
			lastErr = err
			if errors.Is(err, domain.ErrGatewayFatal) {
				break
			}
			if attempt < m.cfg.CancelRetries {
				backoff := m.cfg.CancelBackoff * time.Duration(1<<(attempt-1))
				if err := m.sleep(ctx, backoff); err != nil {
					return fmt.Errorf("maker: cancel interrupted: %w", lastErr)
				}
			}
		}
		if !done {
			return fmt.Errorf("maker: cancel order %s after %d attempts: %w",
				id, m.cfg.CancelRetries, lastErr)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Maker) place(ctx context.Context, b *pairBook, quote Quote) (bidID, askID string, err error) {
	bidRes, err := m.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Venue: m.cfg.Venue, Asset: b.asset, Fiat: b.fiat,
		Side: domain.SideBuy, Price: quote.Bid, Amount: quote.Size, Resting: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("maker: place bid: %w", err)
	}
	askRes, err := m.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Venue: m.cfg.Venue, Asset: b.asset, Fiat: b.fiat,
		Side: domain.SideSell, Price: quote.Ask, Amount: quote.Size, Resting: true,
	})
	if err != nil {
		// One-sided exposure: pull the bid before reporting failure.
		if _, cErr := m.gateway.CancelOrder(ctx, m.cfg.Venue, bidRes.OrderID); cErr != nil {
			m.logger.Error("orphan bid cancel failed",
				slog.String("order_id", bidRes.OrderID), slog.String("error", cErr.Error()))
		}
		return "", "", fmt.Errorf("maker: place ask: %w", err)
	}
	return bidRes.OrderID, askRes.OrderID, nil
}

// maybeRebalance synthesizes a rebalance opportunity when inventory has
// drifted past the threshold. The scheduler's one-plan-per-pair rule keeps
// repeated triggers from stacking plans.
func (m *Maker) maybeRebalance(ctx context.Context, b *pairBook, spread domain.Spread, ratio float64) {
	if m.launcher == nil {
		return
	}
	drift := ratio - m.cfg.TargetRatio
	if abs(drift) <= m.cfg.RebalanceThreshold {
		return
	}

	mid := spread.Mid()
	assetVal := m.ledger.Position(b.asset).Balance * mid
	fiatVal := m.ledger.Position(b.fiat).Balance
	excess := abs(drift) * (assetVal + fiatVal) // fiat value to move back to target

	now := m.clock.Now()
	var leg domain.Leg
	var notional float64
	if drift > 0 {
		// Long the asset: sell it down at the bid.
		notional = excess / spread.BestBid
		leg = domain.Leg{
			AssetIn: b.asset, AssetOut: b.fiat, Venue: m.cfg.Venue,
			Side: domain.SideSell, Price: spread.BestBid,
			VolumeCap: spread.DepthBid, Liquidity: 1,
		}
	} else {
		// Long the fiat: buy the asset back at the ask.
		notional = excess
		leg = domain.Leg{
			AssetIn: b.fiat, AssetOut: b.asset, Venue: m.cfg.Venue,
			Side: domain.SideBuy, Price: spread.BestAsk,
			VolumeCap: spread.DepthAsk, Liquidity: 1,
		}
	}
	if notional <= 0 {
		return
	}

	opp := domain.ArbitrageOpportunity{
		ID:             uuid.New().String(),
		Kind:           domain.KindRebalance,
		Asset:          b.asset,
		Fiat:           b.fiat,
		Route:          []domain.Leg{leg},
		ExpectedROIPct: 0,
		MaxNotional:    notional,
		LiquidityScore: 1,
		DetectedAt:     now,
		SpreadAt:       spread.Timestamp,
		Status:         domain.OpportunityDetected,
	}

	plan, err := m.launcher.Execute(ctx, opp, notional, "")
	if err != nil {
		if errors.Is(err, domain.ErrPlanActive) {
			return // a rebalance is already running for this pair
		}
		m.logger.Warn("rebalance launch failed",
			slog.String("pair", b.asset+"/"+b.fiat),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("rebalance launched",
		slog.String("pair", b.asset+"/"+b.fiat),
		slog.String("plan_id", plan.ID),
		slog.Float64("ratio", ratio),
		slog.Float64("notional", notional),
	)
}

// withdrawAll pulls every resting quote, used on shutdown.
func (m *Maker) withdrawAll(ctx context.Context) {
	m.mu.Lock()
	books := make([]*pairBook, 0, len(m.pairs))
	for _, b := range m.pairs {
		books = append(books, b)
	}
	m.mu.Unlock()

	for _, b := range books {
		if err := m.withdraw(ctx, b); err != nil {
			m.logger.Error("shutdown withdraw failed",
				slog.String("pair", b.asset+"/"+b.fiat),
				slog.String("error", err.Error()),
			)
		}
		m.setState(b, PairInactive)
	}
}

// Start enables quoting for a pair. Pairs absent from the startup config are
// added on the fly with the maker's global quote parameters.
func (m *Maker) Start(asset, fiat string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := asset + "/" + fiat
	b, ok := m.pairs[key]
	if !ok {
		b = &pairBook{asset: asset, fiat: fiat, state: PairInactive, healthy: true}
		m.pairs[key] = b
	}
	b.stopped = false
	return nil
}

// Stop withdraws a pair's resting quotes and suspends it until Start is
// called again.
func (m *Maker) Stop(ctx context.Context, asset, fiat string) error {
	m.mu.Lock()
	b, ok := m.pairs[asset+"/"+fiat]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("maker: pair %s/%s not configured: %w", asset, fiat, domain.ErrNotFound)
	}
	b.stopped = true
	m.mu.Unlock()

	if err := m.withdraw(ctx, b); err != nil {
		return err
	}
	m.setState(b, PairInactive)
	return nil
}

// Revive clears the unhealthy flag for a parked pair so quoting resumes on
// the next cycle.
func (m *Maker) Revive(asset, fiat string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pairs[asset+"/"+fiat]
	if !ok {
		return fmt.Errorf("maker: pair %s/%s not configured: %w", asset, fiat, domain.ErrNotFound)
	}
	b.healthy = true
	return nil
}

// Status returns the externally visible state of every configured pair.
func (m *Maker) Status() []PairStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PairStatus, 0, len(m.pairs))
	for _, b := range m.pairs {
		out = append(out, PairStatus{
			Asset:          b.asset,
			Fiat:           b.fiat,
			State:          b.state,
			Bid:            b.quote.Bid,
			Ask:            b.quote.Ask,
			InventoryRatio: b.ratio,
			Healthy:        b.healthy,
			UpdatedAt:      b.updatedAt,
		})
	}
	return out
}

func (m *Maker) setState(b *pairBook, state PairState) {
	m.mu.Lock()
	b.state = state
	b.updatedAt = m.clock.Now()
	m.mu.Unlock()
}
