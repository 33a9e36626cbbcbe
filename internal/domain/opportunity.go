package domain

import "time"

// OpportunityKind classifies how an opportunity was detected.
type OpportunityKind string

const (
	KindDirect        OpportunityKind = "direct"
	KindTriangular    OpportunityKind = "triangular"
	KindSpotToP2P     OpportunityKind = "spot_to_p2p"
	KindCrossCurrency OpportunityKind = "cross_currency"
	// KindRebalance is synthesized by the market maker when inventory drifts
	// outside the configured band; it flows through the same risk and
	// execution path as detected opportunities.
	KindRebalance OpportunityKind = "inventory_rebalance"
)

// OpportunityStatus tracks an opportunity through its lifecycle.
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "detected"
	OpportunityApproved  OpportunityStatus = "approved"
	OpportunityRejected  OpportunityStatus = "rejected"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunityCompleted OpportunityStatus = "completed"
	OpportunityExpired   OpportunityStatus = "expired"
)

// Leg is one conversion step in a route. A triangular route is a cycle whose
// first AssetIn equals its last AssetOut.
type Leg struct {
	AssetIn   string  `json:"asset_in"`
	AssetOut  string  `json:"asset_out"`
	Venue     string  `json:"venue"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	FeePct    float64 `json:"fee_pct"`
	VolumeCap float64 `json:"volume_cap"`
	Liquidity float64 `json:"liquidity"`
}

// ArbitrageOpportunity is a detected set of trade legs with positive expected
// net return. Instances are immutable once published; status transitions are
// applied to copies by the risk engine and execution scheduler.
type ArbitrageOpportunity struct {
	ID             string            `json:"id"`
	Kind           OpportunityKind   `json:"kind"`
	Asset          string            `json:"asset"`
	Fiat           string            `json:"fiat"`
	Route          []Leg             `json:"route"`
	ExpectedROIPct float64           `json:"expected_roi_pct"`
	MaxNotional    float64           `json:"max_notional"`
	LiquidityScore float64           `json:"liquidity_score"`
	DetectedAt     time.Time         `json:"detected_at"`
	SpreadAt       time.Time         `json:"spread_at"` // timestamp of the underlying spread
	Status         OpportunityStatus `json:"status"`
}

// RouteKey is a stable identity for the route, used for reconfirmation
// between analyzer ticks and for performance priors.
func (o ArbitrageOpportunity) RouteKey() string {
	key := string(o.Kind)
	for _, leg := range o.Route {
		key += "|" + leg.Venue + ":" + leg.AssetIn + ">" + leg.AssetOut
	}
	return key
}

// Fresh reports whether the opportunity's underlying spread is still inside
// the freshness window. Stale opportunities must never reach execution.
func (o ArbitrageOpportunity) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(o.SpreadAt) <= window
}

// RankScore is the liquidity-adjusted ROI used to order opportunities.
func (o ArbitrageOpportunity) RankScore() float64 {
	return o.ExpectedROIPct * o.LiquidityScore
}

// OpportunityFilter narrows list_opportunities results.
type OpportunityFilter struct {
	Kind   OpportunityKind
	Status OpportunityStatus
	Asset  string
}

// Match reports whether the opportunity passes the filter.
func (f OpportunityFilter) Match(o ArbitrageOpportunity) bool {
	if f.Kind != "" && o.Kind != f.Kind {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Asset != "" && o.Asset != f.Asset {
		return false
	}
	return true
}

// ListOpts holds standard pagination parameters.
type ListOpts struct {
	Limit  int
	Offset int
}
