package postgres

import (
	"context"
	"fmt"

	"github.com/quantfold/arbengine/internal/domain"
)

// PerformanceStore derives risk priors from recorded plan outcomes and writes
// new outcomes as they arrive.
type PerformanceStore struct {
	client *Client

	// Priors used until enough history accumulates per route kind or asset.
	defaultWinProb    float64
	defaultVolatility float64
	minSamples        int
}

var _ domain.PerformanceStore = (*PerformanceStore)(nil)

// NewPerformanceStore creates a PerformanceStore. defaultWinProb and
// defaultVolatility are returned while recorded history is below minSamples.
func NewPerformanceStore(client *Client, defaultWinProb, defaultVolatility float64) *PerformanceStore {
	return &PerformanceStore{
		client:            client,
		defaultWinProb:    defaultWinProb,
		defaultVolatility: defaultVolatility,
		minSamples:        10,
	}
}

// RecordOutcome appends a terminal plan event to the history.
func (s *PerformanceStore) RecordOutcome(ctx context.Context, event domain.PlanEvent) error {
	const q = `
		INSERT INTO plan_events
			(plan_id, opportunity_id, state, reason, filled_notional,
			 released_notional, avg_slippage, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.client.pool.Exec(ctx, q,
		event.PlanID, event.OpportunityID, string(event.State), string(event.Reason),
		event.FilledNotional, event.ReleasedNotional, event.AvgSlippage, event.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: record outcome for plan %s: %w", event.PlanID, err)
	}
	return nil
}

// RouteStats returns the realized win probability for a route kind. A plan
// counts as a win when it completed; failures and cancellations count
// against. Falls back to the configured prior until enough trades exist.
func (s *PerformanceStore) RouteStats(ctx context.Context, kind domain.OpportunityKind) (domain.RouteStats, error) {
	const q = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE e.state = 'completed')
		FROM plan_events e
		JOIN opportunities o ON o.id = e.opportunity_id
		WHERE o.kind = $1`

	var trades, wins int
	if err := s.client.pool.QueryRow(ctx, q, string(kind)).Scan(&trades, &wins); err != nil {
		return domain.RouteStats{}, fmt.Errorf("postgres: route stats for %s: %w", kind, err)
	}

	stats := domain.RouteStats{Kind: kind, Trades: trades}
	if trades < s.minSamples {
		stats.WinProbability = s.defaultWinProb
		return stats, nil
	}
	stats.WinProbability = float64(wins) / float64(trades)
	return stats, nil
}

// AssetVolatility returns the standard deviation of realized slippage across
// the asset's recent plan outcomes, a proxy for how violently fills deviate
// from quoted prices. Falls back to the configured prior until enough
// history exists.
func (s *PerformanceStore) AssetVolatility(ctx context.Context, asset string) (float64, error) {
	const q = `
		SELECT COUNT(*), COALESCE(STDDEV_SAMP(e.avg_slippage), 0)
		FROM plan_events e
		JOIN execution_plans p ON p.id = e.plan_id
		WHERE p.asset = $1
		  AND e.occurred_at > NOW() - INTERVAL '7 days'`

	var samples int
	var stddev float64
	if err := s.client.pool.QueryRow(ctx, q, asset).Scan(&samples, &stddev); err != nil {
		return 0, fmt.Errorf("postgres: volatility for %s: %w", asset, err)
	}
	if samples < s.minSamples || stddev <= 0 {
		return s.defaultVolatility, nil
	}
	return stddev, nil
}
