// Package scheduler turns approved opportunities into execution plans and
// drives their child orders through the shared plan state machine. All four
// slicing strategies run through the same runner: the strategy decides sizes,
// venues, and pacing; the runner owns state transitions, retries, inventory
// settlement, and terminal events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
)

// Config holds the scheduler's runtime parameters.
type Config struct {
	DefaultStrategy domain.ExecutionStrategy
	Chunks          int
	Duration        time.Duration
	VisibleSlice    float64
	RefreshInterval time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	GatewayTimeout  time.Duration
	FreshnessWindow time.Duration
	VenueFeePct     map[string]float64
}

// Scheduler owns every live execution plan. One active plan per opportunity
// and per pair; duplicates are rejected with domain.ErrPlanActive.
type Scheduler struct {
	cfg      Config
	gateway  domain.OrderGateway
	ledger   *inventory.Ledger
	plans    domain.PlanStore
	sink     domain.EventSink
	profiles VolumeProfiler
	quotes   QuoteSource
	marks    domain.OpportunityMarker
	clock    domain.Clock
	logger   *slog.Logger

	// sleep is swapped out in tests so pacing does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	runners map[string]*planRunner // plan ID -> runner
	byOpp   map[string]string      // opportunity ID -> plan ID
	byPair  map[string]string      // "ASSET/FIAT" -> plan ID
	wg      sync.WaitGroup
}

// New creates a Scheduler. plans, sink, and marks may be nil when
// persistence, event delivery, or status tracking is not wired (detect mode).
func New(cfg Config, gateway domain.OrderGateway, ledger *inventory.Ledger,
	plans domain.PlanStore, sink domain.EventSink,
	profiles VolumeProfiler, quotes QuoteSource,
	marks domain.OpportunityMarker,
	clock domain.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = domain.ClockFunc(time.Now)
	}
	return &Scheduler{
		cfg:      cfg,
		gateway:  gateway,
		ledger:   ledger,
		plans:    plans,
		sink:     sink,
		profiles: profiles,
		quotes:   quotes,
		marks:    marks,
		clock:    clock,
		logger:   logger.With(slog.String("component", "scheduler")),
		sleep:    sleepCtx,
		runners:  make(map[string]*planRunner),
		byOpp:    make(map[string]string),
		byPair:   make(map[string]string),
	}
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

// Execute validates, reserves, and launches a plan for the opportunity.
// Validation failures surface synchronously: domain.ErrStaleData when the
// underlying spread has aged out, domain.ErrPlanActive when the opportunity
// or pair already has a live plan, domain.ErrInsufficientInventory when the
// reserve fails. On success the returned plan is PENDING and a goroutine
// drives it to a terminal state.
func (s *Scheduler) Execute(ctx context.Context, opp domain.ArbitrageOpportunity, notional float64, strategy domain.ExecutionStrategy) (domain.ExecutionPlan, error) {
	if notional <= 0 {
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: notional must be positive, got %.4f", notional)
	}
	if len(opp.Route) == 0 {
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: opportunity %s has empty route", opp.ID)
	}
	now := s.clock.Now()
	if !opp.Fresh(now, s.cfg.FreshnessWindow) {
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: opportunity %s spread aged %s: %w",
			opp.ID, now.Sub(opp.SpreadAt), domain.ErrStaleData)
	}
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}

	slicer, err := NewStrategy(strategy, StrategyConfig{
		Chunks:          s.cfg.Chunks,
		Duration:        s.cfg.Duration,
		VisibleSlice:    s.cfg.VisibleSlice,
		RefreshInterval: s.cfg.RefreshInterval,
		VenueFeePct:     s.cfg.VenueFeePct,
	}, s.profiles, s.quotes)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	children, err := slicer.Children(ctx, opp, notional)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	pairKey := opp.Asset + "/" + opp.Fiat
	reserveAsset := opp.Route[0].AssetIn

	s.mu.Lock()
	if planID, ok := s.byOpp[opp.ID]; ok {
		s.mu.Unlock()
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: opportunity %s already executing in plan %s: %w",
			opp.ID, planID, domain.ErrPlanActive)
	}
	if planID, ok := s.byPair[pairKey]; ok {
		s.mu.Unlock()
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: pair %s already executing in plan %s: %w",
			pairKey, planID, domain.ErrPlanActive)
	}

	if err := s.ledger.Reserve(reserveAsset, notional); err != nil {
		s.mu.Unlock()
		return domain.ExecutionPlan{}, err
	}

	plan := domain.ExecutionPlan{
		ID:            uuid.New().String(),
		OpportunityID: opp.ID,
		Asset:         opp.Asset,
		Fiat:          opp.Fiat,
		Strategy:      strategy,
		TotalNotional: notional,
		ChildOrders:   children,
		State:         domain.PlanPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r := &planRunner{
		sched:        s,
		opp:          opp,
		slicer:       slicer,
		plan:         plan,
		reserveAsset: reserveAsset,
		pairKey:      pairKey,
	}
	s.runners[plan.ID] = r
	s.byOpp[opp.ID] = plan.ID
	s.byPair[pairKey] = plan.ID
	s.mu.Unlock()

	if s.plans != nil {
		if err := s.plans.Insert(ctx, plan); err != nil {
			s.logger.Error("plan insert failed", slog.String("plan_id", plan.ID), slog.Any("error", err))
		}
	}
	if s.marks != nil {
		s.marks.MarkOpportunity(ctx, opp.ID, domain.OpportunityExecuting)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(context.WithoutCancel(ctx))
	}()

	s.logger.Info("plan launched",
		slog.String("plan_id", plan.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("strategy", string(strategy)),
		slog.Float64("notional", notional),
		slog.Int("children", len(children)),
	)
	return plan, nil
}

// Cancel requests cancellation of a live plan. The request only takes effect
// at the next chunk boundary; when a chunk is in flight the flag is still set
// but domain.ErrMidChunkCancel is returned so callers know the stop is
// deferred. Unknown or already-terminal plans return domain.ErrNotFound.
func (s *Scheduler) Cancel(planID string) error {
	s.mu.Lock()
	r, ok := s.runners[planID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: plan %s not active: %w", planID, domain.ErrNotFound)
	}
	return r.requestCancel()
}

// GetPlan returns the live plan if it is still running, falling back to the
// store for terminal plans.
func (s *Scheduler) GetPlan(ctx context.Context, planID string) (domain.ExecutionPlan, error) {
	s.mu.Lock()
	r, ok := s.runners[planID]
	s.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	if s.plans == nil {
		return domain.ExecutionPlan{}, fmt.Errorf("scheduler: plan %s: %w", planID, domain.ErrNotFound)
	}
	return s.plans.GetByID(ctx, planID)
}

// ActivePlans returns a snapshot of every non-terminal plan.
func (s *Scheduler) ActivePlans() []domain.ExecutionPlan {
	s.mu.Lock()
	out := make([]domain.ExecutionPlan, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.snapshot())
	}
	s.mu.Unlock()
	return out
}

// Wait blocks until every launched plan has reached a terminal state. Used
// during graceful shutdown after Cancel has been issued for live plans.
func (s *Scheduler) Wait() { s.wg.Wait() }

// CancelAll requests cancellation of every live plan.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	runners := make([]*planRunner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()
	for _, r := range runners {
		_ = r.requestCancel()
	}
}

// release removes the runner from the active indexes once terminal.
func (s *Scheduler) release(r *planRunner) {
	s.mu.Lock()
	delete(s.runners, r.plan.ID)
	delete(s.byOpp, r.opp.ID)
	delete(s.byPair, r.pairKey)
	s.mu.Unlock()
}

// planRunner drives a single plan through pending -> in_progress -> terminal.
type planRunner struct {
	sched        *Scheduler
	opp          domain.ArbitrageOpportunity
	slicer       SliceStrategy
	reserveAsset string
	pairKey      string

	mu           sync.Mutex
	plan         domain.ExecutionPlan
	cancelAsked  bool
	dispatching  bool
	slipWeighted float64 // sum of slippage*filled, for the volume-weighted average
}

func (r *planRunner) snapshot() domain.ExecutionPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.plan
	p.ChildOrders = append([]domain.ChildOrder(nil), r.plan.ChildOrders...)
	return p
}

func (r *planRunner) requestCancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plan.State.Terminal() {
		return fmt.Errorf("scheduler: plan %s already %s: %w", r.plan.ID, r.plan.State, domain.ErrNotFound)
	}
	r.cancelAsked = true
	if r.dispatching {
		return fmt.Errorf("scheduler: plan %s chunk in flight, cancel deferred to chunk boundary: %w",
			r.plan.ID, domain.ErrMidChunkCancel)
	}
	return nil
}

func (r *planRunner) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelAsked
}

func (r *planRunner) setState(state domain.PlanState) {
	r.mu.Lock()
	r.plan.State = state
	r.plan.UpdatedAt = r.sched.clock.Now()
	r.mu.Unlock()
}

func (r *planRunner) run(ctx context.Context) {
	s := r.sched
	logger := s.logger.With(slog.String("plan_id", r.plan.ID))

	r.setState(domain.PlanInProgress)
	r.persist(ctx)

	for i := range r.plan.ChildOrders {
		if r.cancelRequested() {
			r.finish(ctx, domain.PlanCancelled, domain.PlanReasonCancelled, logger)
			return
		}

		child := r.childAt(i)
		chunk, err := r.slicer.NextChunk(ctx, r.opp, child)
		if err != nil {
			logger.Error("chunk build failed", slog.Int("sequence", child.Sequence), slog.Any("error", err))
			r.failChild(i)
			r.finish(ctx, domain.PlanFailed, failReason(err), logger)
			return
		}

		if err := s.sleep(ctx, chunk.Wait); err != nil {
			r.finish(ctx, domain.PlanCancelled, domain.PlanReasonCancelled, logger)
			return
		}
		// A cancel that arrived during the wait applies before dispatch.
		if r.cancelRequested() {
			r.finish(ctx, domain.PlanCancelled, domain.PlanReasonCancelled, logger)
			return
		}

		if err := r.dispatch(ctx, i, chunk, logger); err != nil {
			r.failChild(i)
			r.finish(ctx, domain.PlanFailed, failReason(err), logger)
			return
		}
		r.persist(ctx)
	}

	r.finish(ctx, domain.PlanCompleted, domain.PlanReasonCompleted, logger)
}

func (r *planRunner) childAt(i int) domain.ChildOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan.ChildOrders[i]
}

func (r *planRunner) failChild(i int) {
	r.mu.Lock()
	r.plan.ChildOrders[i].Status = domain.ChildFailed
	r.mu.Unlock()
}

// dispatch places every order of the chunk, retrying transient gateway
// failures with backoff and jitter up to MaxRetries attempts per order.
// Exhaustion or a fatal gateway error aborts the plan.
func (r *planRunner) dispatch(ctx context.Context, i int, chunk Chunk, logger *slog.Logger) error {
	s := r.sched

	r.mu.Lock()
	r.dispatching = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.dispatching = false
		r.mu.Unlock()
	}()

	for _, req := range chunk.Orders {
		res, err := r.placeWithRetry(ctx, req, logger)
		if err != nil {
			return err
		}
		if err := r.applyFill(i, req, res); err != nil {
			// Settlement failure means the ledger and the venue disagree;
			// stop the plan rather than keep trading on bad state.
			logger.Error("settlement failed", slog.Int("sequence", i), slog.Any("error", err))
			return fmt.Errorf("scheduler: settle chunk %d: %w", i, domain.ErrGatewayFatal)
		}
		r.slicer.OnFill(i, res)
	}

	r.mu.Lock()
	r.plan.ChildOrders[i].Status = domain.ChildFilled
	r.plan.UpdatedAt = s.clock.Now()
	r.mu.Unlock()
	return nil
}

func (r *planRunner) placeWithRetry(ctx context.Context, req domain.OrderRequest, logger *slog.Logger) (domain.OrderResult, error) {
	s := r.sched
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		res, err := s.gateway.PlaceOrder(callCtx, req)
		cancel()

		switch {
		case err == nil && res.Filled:
			return res, nil
		case err == nil:
			lastErr = fmt.Errorf("order not filled: %w", domain.ErrGatewayTransient)
		case errors.Is(err, domain.ErrGatewayFatal):
			return domain.OrderResult{}, err
		case errors.Is(err, domain.ErrGatewayTransient) || errors.Is(err, context.DeadlineExceeded):
			lastErr = err
		default:
			return domain.OrderResult{}, err
		}

		logger.Warn("order attempt failed",
			slog.String("venue", req.Venue),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr),
		)
		if attempt < s.cfg.MaxRetries {
			backoff := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(s.cfg.RetryBackoff)/2 + 1))
			if err := s.sleep(ctx, backoff+jitter); err != nil {
				return domain.OrderResult{}, fmt.Errorf("scheduler: retry interrupted: %w", lastErr)
			}
		}
	}
	return domain.OrderResult{}, fmt.Errorf("scheduler: %d attempts exhausted on %s: %w",
		s.cfg.MaxRetries, req.Venue, lastErr)
}

// applyFill settles the fill against the ledger and folds slippage into the
// plan aggregates. The reserved entry asset is consumed by the filled amount
// and the route's terminal asset is credited with the expected proceeds,
// adjusted by the observed slippage.
func (r *planRunner) applyFill(i int, req domain.OrderRequest, res domain.OrderResult) error {
	filled := res.FilledAmount
	if filled <= 0 {
		filled = req.Amount
	}

	slip := 0.0
	if req.Price > 0 && res.FillPrice > 0 {
		slip = (res.FillPrice - req.Price) / req.Price
		if req.Side == domain.SideSell {
			slip = -slip
		}
	}

	proceedsAsset := r.opp.Route[len(r.opp.Route)-1].AssetOut
	proceeds := filled * (1 + r.opp.ExpectedROIPct/100 - slip)
	if proceeds < 0 {
		proceeds = 0
	}

	var err error
	if proceedsAsset == r.reserveAsset {
		err = r.sched.ledger.Settle(r.reserveAsset, proceeds-filled, filled)
	} else {
		if err = r.sched.ledger.Settle(r.reserveAsset, -filled, filled); err == nil {
			err = r.sched.ledger.Settle(proceedsAsset, proceeds, 0)
		}
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.plan.ChildOrders[i].FilledAmount += filled
	r.plan.ChildOrders[i].SlippageObserved = slip
	r.plan.FilledNotional += filled
	r.slipWeighted += slip * filled
	if r.plan.FilledNotional > 0 {
		r.plan.AvgSlippage = r.slipWeighted / r.plan.FilledNotional
	}
	r.mu.Unlock()
	return nil
}

// finish drives the plan to its terminal state: remaining reservation is
// released, undispatched children are cancelled, the store is updated, and
// the terminal event is emitted exactly once.
func (r *planRunner) finish(ctx context.Context, state domain.PlanState, reason domain.PlanEventReason, logger *slog.Logger) {
	s := r.sched

	r.mu.Lock()
	released := r.plan.TotalNotional - r.plan.FilledNotional
	if released < 0 {
		released = 0
	}
	for i := range r.plan.ChildOrders {
		if r.plan.ChildOrders[i].Status == domain.ChildPending {
			r.plan.ChildOrders[i].Status = domain.ChildCancelled
			r.slicer.OnCancel(i)
		}
	}
	r.plan.State = state
	r.plan.UpdatedAt = s.clock.Now()
	event := domain.PlanEvent{
		PlanID:           r.plan.ID,
		OpportunityID:    r.plan.OpportunityID,
		State:            state,
		Reason:           reason,
		FilledNotional:   r.plan.FilledNotional,
		ReleasedNotional: released,
		AvgSlippage:      r.plan.AvgSlippage,
		At:               r.plan.UpdatedAt,
	}
	r.mu.Unlock()

	if released > 0 {
		s.ledger.Release(r.reserveAsset, released)
	}

	r.persist(ctx)
	s.release(r)

	logger.Info("plan terminal",
		slog.String("state", string(state)),
		slog.String("reason", string(reason)),
		slog.Float64("filled", event.FilledNotional),
		slog.Float64("released", event.ReleasedNotional),
		slog.Float64("avg_slippage", event.AvgSlippage),
	)
	if s.marks != nil {
		// A completed plan completes its opportunity; failed and cancelled
		// plans leave it expired, no longer actionable.
		status := domain.OpportunityCompleted
		if state != domain.PlanCompleted {
			status = domain.OpportunityExpired
		}
		s.marks.MarkOpportunity(ctx, r.plan.OpportunityID, status)
	}
	if s.sink != nil {
		s.sink.PlanEvent(ctx, event)
	}
}

func (r *planRunner) persist(ctx context.Context) {
	if r.sched.plans == nil {
		return
	}
	if err := r.sched.plans.Update(ctx, r.snapshot()); err != nil {
		r.sched.logger.Error("plan update failed",
			slog.String("plan_id", r.plan.ID), slog.Any("error", err))
	}
}

func failReason(err error) domain.PlanEventReason {
	switch {
	case errors.Is(err, domain.ErrGatewayFatal):
		return domain.PlanReasonGatewayFatal
	case errors.Is(err, domain.ErrStaleData):
		return domain.PlanReasonStaleData
	default:
		return domain.PlanReasonChunkExhausted
	}
}
