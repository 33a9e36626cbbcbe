package domain

import (
	"context"
	"io"
	"time"
)

// VenueClient is the read side of a venue connection. Implementations return
// ErrUnsupportedPair for pairs the venue does not list (the feed caches
// these) and ErrGatewayTransient for retryable failures.
type VenueClient interface {
	Name() string
	// BestPrices returns the normalized best bid/ask and depth for a pair.
	BestPrices(ctx context.Context, asset, fiat string) (Spread, error)
	// VolumeProfile returns the venue's recent volume share split into
	// buckets; the shares sum to 1. Used by VWAP slicing.
	VolumeProfile(ctx context.Context, asset, fiat string, buckets int) ([]float64, error)
}

// OrderGateway places and cancels orders on a venue. Calls that exceed the
// configured timeout are treated by the scheduler as retryable chunk
// failures.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, venue, orderID string) (bool, error)
}

// PerformanceStore supplies historical priors for risk sizing and records
// realized plan outcomes.
type PerformanceStore interface {
	RouteStats(ctx context.Context, kind OpportunityKind) (RouteStats, error)
	AssetVolatility(ctx context.Context, asset string) (float64, error)
	RecordOutcome(ctx context.Context, event PlanEvent) error
}

// SpreadCache shares the latest per-venue spread across processes.
type SpreadCache interface {
	Set(ctx context.Context, spread Spread) error
	Get(ctx context.Context, venue, asset, fiat string) (Spread, error)
}

// PairStatusCache is the bounded/TTL negative cache for pairs a venue
// reported as unsupported. Marked pairs are skipped without a venue call
// until the entry expires.
type PairStatusCache interface {
	MarkUnsupported(ctx context.Context, venue, asset, fiat string) error
	IsUnsupported(ctx context.Context, venue, asset, fiat string) (bool, error)
}

// OpportunityStore persists opportunity history for analysis.
type OpportunityStore interface {
	Insert(ctx context.Context, opp ArbitrageOpportunity) error
	UpdateStatus(ctx context.Context, id string, status OpportunityStatus) error
	List(ctx context.Context, filter OpportunityFilter, opts ListOpts) ([]ArbitrageOpportunity, error)
}

// OpportunityMarker records lifecycle transitions for a detected opportunity:
// the risk path marks approved/rejected, the scheduler marks
// executing/completed/expired. Implementations tolerate unknown IDs, since
// synthetic rebalance opportunities never enter the book or the history.
type OpportunityMarker interface {
	MarkOpportunity(ctx context.Context, id string, status OpportunityStatus)
}

// PlanStore persists execution plans and their child orders.
type PlanStore interface {
	Insert(ctx context.Context, plan ExecutionPlan) error
	Update(ctx context.Context, plan ExecutionPlan) error
	GetByID(ctx context.Context, id string) (ExecutionPlan, error)
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// EventSink receives terminal plan events for the external
// dashboard/alerting collaborator.
type EventSink interface {
	PlanEvent(ctx context.Context, event PlanEvent)
}

// Clock abstracts time for deterministic risk assessment and tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
