package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/inventory"
)

// scriptedGateway replies to PlaceOrder via a script function; the default
// script fills every order at the requested price.
type scriptedGateway struct {
	mu     sync.Mutex
	calls  int
	placed []domain.OrderRequest
	script func(call int, req domain.OrderRequest) (domain.OrderResult, error)
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.placed = append(g.placed, req)
	script := g.script
	g.mu.Unlock()

	if script != nil {
		return script(call, req)
	}
	return domain.OrderResult{
		OrderID:      "order",
		FilledAmount: req.Amount,
		FillPrice:    req.Price,
		Filled:       true,
	}, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, venue, orderID string) (bool, error) {
	return true, nil
}

func (g *scriptedGateway) placements() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.placed...)
}

type memPlanStore struct {
	mu    sync.Mutex
	plans map[string]domain.ExecutionPlan
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{plans: make(map[string]domain.ExecutionPlan)}
}

func (s *memPlanStore) Insert(ctx context.Context, plan domain.ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	return nil
}

func (s *memPlanStore) Update(ctx context.Context, plan domain.ExecutionPlan) error {
	return s.Insert(ctx, plan)
}

func (s *memPlanStore) GetByID(ctx context.Context, id string) (domain.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return domain.ExecutionPlan{}, domain.ErrNotFound
	}
	return plan, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.PlanEvent
}

func (c *captureSink) PlanEvent(ctx context.Context, event domain.PlanEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureSink) all() []domain.PlanEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PlanEvent(nil), c.events...)
}

type captureMarker struct {
	mu       sync.Mutex
	statuses map[string][]domain.OpportunityStatus
}

func (c *captureMarker) MarkOpportunity(ctx context.Context, id string, status domain.OpportunityStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = make(map[string][]domain.OpportunityStatus)
	}
	c.statuses[id] = append(c.statuses[id], status)
}

func (c *captureMarker) trail(id string) []domain.OpportunityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OpportunityStatus(nil), c.statuses[id]...)
}

type fixture struct {
	sched   *Scheduler
	gateway *scriptedGateway
	ledger  *inventory.Ledger
	store   *memPlanStore
	sink    *captureSink
	marks   *captureMarker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		gateway: &scriptedGateway{},
		ledger:  inventory.NewLedger(map[string]float64{"USDT": 2000, "ETH": 1}, logger),
		store:   newMemPlanStore(),
		sink:    &captureSink{},
		marks:   &captureMarker{},
	}
	f.sched = New(Config{
		DefaultStrategy: domain.StrategyTWAP,
		Chunks:          10,
		Duration:        10 * time.Second,
		VisibleSlice:    300,
		RefreshInterval: time.Second,
		MaxRetries:      3,
		RetryBackoff:    10 * time.Millisecond,
		GatewayTimeout:  time.Second,
		FreshnessWindow: 5 * time.Second,
	}, f.gateway, f.ledger, f.store, f.sink,
		&stubProfiler{profile: uniformProfile(10)}, &stubQuotes{},
		f.marks, nil, logger)
	// Pacing is irrelevant to these tests; skip every wait.
	f.sched.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func uniformProfile(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func freshOpp() domain.ArbitrageOpportunity {
	opp := buyOpp()
	opp.DetectedAt = time.Now()
	opp.SpreadAt = time.Now()
	return opp
}

func TestExecuteCompletesTWAPPlan(t *testing.T) {
	f := newFixture(t)

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPending, plan.State)
	require.Len(t, plan.ChildOrders, 10)
	assert.Equal(t, 1000.0, notionalSum(plan.ChildOrders))

	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, final.State)
	assert.Equal(t, 1000.0, final.FilledNotional)
	for _, c := range final.ChildOrders {
		assert.Equal(t, domain.ChildFilled, c.Status)
		assert.Equal(t, 100.0, c.FilledAmount)
	}

	// Fills at the requested price: zero slippage, proceeds carry the 2% edge.
	assert.Equal(t, 0.0, final.AvgSlippage)
	pos := f.ledger.Position("USDT")
	assert.InDelta(t, 2020.0, pos.Balance, 1e-6)
	assert.Equal(t, 0.0, pos.Reserved)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PlanCompleted, events[0].State)
	assert.Equal(t, domain.PlanReasonCompleted, events[0].Reason)
	assert.Equal(t, 1000.0, events[0].FilledNotional)
	assert.Equal(t, 0.0, events[0].ReleasedNotional)
}

func TestExecuteMarksOpportunityLifecycle(t *testing.T) {
	f := newFixture(t)
	opp := freshOpp()

	_, err := f.sched.Execute(context.Background(), opp, 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	assert.Equal(t,
		[]domain.OpportunityStatus{domain.OpportunityExecuting, domain.OpportunityCompleted},
		f.marks.trail(opp.ID))
}

func TestFailedPlanExpiresOpportunity(t *testing.T) {
	f := newFixture(t)
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, domain.ErrGatewayFatal
	}
	opp := freshOpp()

	_, err := f.sched.Execute(context.Background(), opp, 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	assert.Equal(t,
		[]domain.OpportunityStatus{domain.OpportunityExecuting, domain.OpportunityExpired},
		f.marks.trail(opp.ID))
}

// A chunk that exhausts its retries fails the plan: the four filled chunks
// stay settled, the remaining 600 is released, and pending children are
// cancelled.
func TestExecuteFailsAfterRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		if call <= 4 {
			return domain.OrderResult{FilledAmount: req.Amount, FillPrice: req.Price, Filled: true}, nil
		}
		return domain.OrderResult{}, domain.ErrGatewayTransient
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFailed, final.State)
	assert.Equal(t, 400.0, final.FilledNotional)

	var filled, failed, cancelled int
	for _, c := range final.ChildOrders {
		switch c.Status {
		case domain.ChildFilled:
			filled++
		case domain.ChildFailed:
			failed++
		case domain.ChildCancelled:
			cancelled++
		}
	}
	assert.Equal(t, 4, filled)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 5, cancelled)

	// 3 attempts on the failing chunk, no more dispatches after the abort.
	assert.Equal(t, 7, f.gateway.calls)

	pos := f.ledger.Position("USDT")
	assert.Equal(t, 0.0, pos.Reserved, "unfilled remainder must be released")
	assert.InDelta(t, 2008.0, pos.Balance, 1e-6)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PlanReasonChunkExhausted, events[0].Reason)
	assert.Equal(t, 400.0, events[0].FilledNotional)
	assert.Equal(t, 600.0, events[0].ReleasedNotional)
}

func TestExecuteAbortsOnFatalGatewayError(t *testing.T) {
	f := newFixture(t)
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, domain.ErrGatewayFatal
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFailed, final.State)
	// Fatal errors do not retry.
	assert.Equal(t, 1, f.gateway.calls)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PlanReasonGatewayFatal, events[0].Reason)
	assert.Equal(t, 1000.0, events[0].ReleasedNotional)
}

func TestExecuteRejectsStaleOpportunity(t *testing.T) {
	f := newFixture(t)

	opp := freshOpp()
	opp.SpreadAt = time.Now().Add(-time.Minute)
	_, err := f.sched.Execute(context.Background(), opp, 1000, domain.StrategyTWAP)
	assert.ErrorIs(t, err, domain.ErrStaleData)

	pos := f.ledger.Position("USDT")
	assert.Equal(t, 0.0, pos.Reserved, "rejected plans must not hold reservations")
}

func TestExecuteRejectsInsufficientInventory(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.Execute(context.Background(), freshOpp(), 5000, domain.StrategyTWAP)
	assert.ErrorIs(t, err, domain.ErrInsufficientInventory)
}

func TestExecuteRejectsDuplicatePlans(t *testing.T) {
	f := newFixture(t)

	// Hold the first plan's initial chunk open so it stays live.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		once.Do(func() { close(started) })
		<-release
		return domain.OrderResult{FilledAmount: req.Amount, FillPrice: req.Price, Filled: true}, nil
	}

	opp := freshOpp()
	_, err := f.sched.Execute(context.Background(), opp, 500, domain.StrategyTWAP)
	require.NoError(t, err)
	<-started

	// Same opportunity again.
	_, err = f.sched.Execute(context.Background(), opp, 500, domain.StrategyTWAP)
	assert.ErrorIs(t, err, domain.ErrPlanActive)

	// Different opportunity, same pair.
	other := freshOpp()
	other.ID = "opp-2"
	_, err = f.sched.Execute(context.Background(), other, 500, domain.StrategyTWAP)
	assert.ErrorIs(t, err, domain.ErrPlanActive)

	close(release)
	f.sched.Wait()

	// With the first plan terminal the pair frees up again.
	_, err = f.sched.Execute(context.Background(), other, 500, domain.StrategyTWAP)
	assert.NoError(t, err)
	f.sched.Wait()
}

func TestCancelBetweenChunks(t *testing.T) {
	f := newFixture(t)

	idCh := make(chan string, 1)
	var sleeps int
	var mu sync.Mutex
	f.sched.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps++
		n := sleeps
		mu.Unlock()
		// Request cancellation while the runner idles between chunks two and
		// three; no chunk is in flight so the request lands cleanly.
		if n == 3 {
			assert.NoError(t, f.sched.Cancel(<-idCh))
		}
		return nil
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	idCh <- plan.ID

	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, final.State)
	assert.Equal(t, 200.0, final.FilledNotional)

	pos := f.ledger.Position("USDT")
	assert.Equal(t, 0.0, pos.Reserved)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PlanReasonCancelled, events[0].Reason)
	assert.Equal(t, 800.0, events[0].ReleasedNotional)
}

func TestCancelDuringChunkIsDeferred(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		once.Do(func() { close(started) })
		<-release
		return domain.OrderResult{FilledAmount: req.Amount, FillPrice: req.Price, Filled: true}, nil
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	<-started

	// The first chunk is in flight: the cancel is accepted but deferred.
	err = f.sched.Cancel(plan.ID)
	assert.ErrorIs(t, err, domain.ErrMidChunkCancel)

	close(release)
	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, final.State)
	// The in-flight chunk completed; everything after it was cancelled.
	assert.Equal(t, 100.0, final.FilledNotional)
}

func TestCancelUnknownPlan(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.sched.Cancel("nope"), domain.ErrNotFound)
}

func TestGetPlanFallsBackToStore(t *testing.T) {
	f := newFixture(t)

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	// Terminal plans leave the live index; the store still has them.
	assert.Empty(t, f.sched.ActivePlans())
	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, final.State)

	_, err = f.sched.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteRecordsSlippage(t *testing.T) {
	f := newFixture(t)
	// Every buy fills 0.1% above the requested price.
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{
			FilledAmount: req.Amount,
			FillPrice:    req.Price * 1.001,
			Filled:       true,
		}, nil
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, final.State)
	assert.InDelta(t, 0.001, final.AvgSlippage, 1e-9)
	for _, c := range final.ChildOrders {
		assert.InDelta(t, 0.001, c.SlippageObserved, 1e-9)
	}
}

func TestCancelAllStopsLivePlans(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.gateway.script = func(call int, req domain.OrderRequest) (domain.OrderResult, error) {
		once.Do(func() { close(started) })
		<-release
		return domain.OrderResult{FilledAmount: req.Amount, FillPrice: req.Price, Filled: true}, nil
	}

	plan, err := f.sched.Execute(context.Background(), freshOpp(), 1000, domain.StrategyTWAP)
	require.NoError(t, err)
	<-started

	f.sched.CancelAll()
	close(release)
	f.sched.Wait()

	final, err := f.sched.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, final.State)
}
