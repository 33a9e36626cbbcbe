package domain

// RejectionReason is attached to a RiskAssessment when the opportunity is
// declined.
type RejectionReason string

const (
	RejectInsufficientLiquidity RejectionReason = "insufficient_liquidity"
	RejectStaleData             RejectionReason = "stale_data"
	RejectVarBreach             RejectionReason = "var_breach"
	RejectInventoryImbalance    RejectionReason = "inventory_imbalance"
)

// RiskAssessment is the risk engine's decision artifact. Approved when
// RecommendedNotional > 0 and RejectionReason is empty.
type RiskAssessment struct {
	VaR95               float64         `json:"var_95"`
	KellyFraction       float64         `json:"kelly_fraction"`
	RecommendedNotional float64         `json:"recommended_notional"`
	RejectionReason     RejectionReason `json:"rejection_reason,omitempty"`
}

// Approved reports whether the assessment sizes the opportunity for
// execution.
func (a RiskAssessment) Approved() bool {
	return a.RejectionReason == "" && a.RecommendedNotional > 0
}

// RouteStats are historical priors per route kind, supplied by the
// performance store and consumed by Kelly sizing.
type RouteStats struct {
	Kind           OpportunityKind `json:"kind"`
	WinProbability float64         `json:"win_probability"`
	Trades         int             `json:"trades"`
}
