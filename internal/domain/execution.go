package domain

import "time"

// ExecutionStrategy selects the order-slicing algorithm for a plan.
type ExecutionStrategy string

const (
	StrategyTWAP    ExecutionStrategy = "twap"
	StrategyVWAP    ExecutionStrategy = "vwap"
	StrategyIceberg ExecutionStrategy = "iceberg"
	StrategySmart   ExecutionStrategy = "smart"
)

// PlanState is the shared state machine for all execution strategies.
type PlanState string

const (
	PlanPending    PlanState = "pending"
	PlanInProgress PlanState = "in_progress"
	PlanCompleted  PlanState = "completed"
	PlanFailed     PlanState = "failed"
	PlanCancelled  PlanState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s PlanState) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// ChildStatus tracks an individual child order.
type ChildStatus string

const (
	ChildPending   ChildStatus = "pending"
	ChildFilled    ChildStatus = "filled"
	ChildFailed    ChildStatus = "failed"
	ChildCancelled ChildStatus = "cancelled"
)

// ChildOrder is one sequenced slice of an execution plan.
type ChildOrder struct {
	Sequence         int         `json:"sequence"`
	Notional         float64     `json:"notional"`
	TargetPrice      float64     `json:"target_price"`
	Venue            string      `json:"venue"`
	Status           ChildStatus `json:"status"`
	FilledAmount     float64     `json:"filled_amount"`
	SlippageObserved float64     `json:"slippage_observed"` // (fill-expected)/expected
}

// ExecutionPlan converts one approved, sized opportunity into sequenced child
// orders. A plan exclusively owns its child orders; an opportunity has at
// most one active plan.
type ExecutionPlan struct {
	ID             string            `json:"id"`
	OpportunityID  string            `json:"opportunity_id"`
	Asset          string            `json:"asset"`
	Fiat           string            `json:"fiat"`
	Strategy       ExecutionStrategy `json:"strategy"`
	TotalNotional  float64           `json:"total_notional"`
	ChildOrders    []ChildOrder      `json:"child_orders"`
	State          PlanState         `json:"state"`
	FilledNotional float64           `json:"filled_notional"`
	AvgSlippage    float64           `json:"avg_slippage"` // volume-weighted
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PlanEventReason explains a terminal plan transition.
type PlanEventReason string

const (
	PlanReasonCompleted      PlanEventReason = "completed"
	PlanReasonChunkExhausted PlanEventReason = "chunk_retries_exhausted"
	PlanReasonGatewayFatal   PlanEventReason = "gateway_fatal"
	PlanReasonCancelled      PlanEventReason = "cancel_requested"
	PlanReasonStaleData      PlanEventReason = "stale_data"
)

// PlanEvent is the structured event emitted when a plan reaches a terminal
// state. It carries the partial-fill state and the inventory delta so the
// external dashboard/alerting collaborator can reconcile.
type PlanEvent struct {
	PlanID           string          `json:"plan_id"`
	OpportunityID    string          `json:"opportunity_id"`
	State            PlanState       `json:"state"`
	Reason           PlanEventReason `json:"reason"`
	FilledNotional   float64         `json:"filled_notional"`
	ReleasedNotional float64         `json:"released_notional"`
	AvgSlippage      float64         `json:"avg_slippage"`
	At               time.Time       `json:"at"`
}

// OrderRequest is what the scheduler hands to the order gateway for one venue
// order. A single chunk may fan out into several requests under smart routing.
type OrderRequest struct {
	Venue   string
	Asset   string
	Fiat    string
	Side    Side
	Price   float64
	Amount  float64 // notional in fiat units
	Resting bool    // rest on the book (maker quotes) instead of fill-or-expire
}

// OrderResult reports the outcome of a gateway placement.
type OrderResult struct {
	OrderID      string
	FilledAmount float64
	FillPrice    float64
	Filled       bool
}
