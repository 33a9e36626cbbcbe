package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quantfold/arbengine/internal/domain"
)

// OpportunityStore persists opportunity history for offline analysis.
type OpportunityStore struct {
	client *Client
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// NewOpportunityStore creates an OpportunityStore backed by the given client.
func NewOpportunityStore(client *Client) *OpportunityStore {
	return &OpportunityStore{client: client}
}

// Insert stores a newly detected opportunity.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	route, err := json.Marshal(opp.Route)
	if err != nil {
		return fmt.Errorf("postgres: marshal route: %w", err)
	}

	const q = `
		INSERT INTO opportunities
			(id, kind, asset, fiat, route, expected_roi_pct, max_notional,
			 liquidity_score, detected_at, spread_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.client.pool.Exec(ctx, q,
		opp.ID, string(opp.Kind), opp.Asset, opp.Fiat, route,
		opp.ExpectedROIPct, opp.MaxNotional, opp.LiquidityScore,
		opp.DetectedAt, opp.SpreadAt, string(opp.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateStatus transitions a stored opportunity's lifecycle status.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus) error {
	const q = `UPDATE opportunities SET status = $2 WHERE id = $1`
	tag, err := s.client.pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns stored opportunities matching the filter, newest first.
func (s *OpportunityStore) List(ctx context.Context, filter domain.OpportunityFilter, opts domain.ListOpts) ([]domain.ArbitrageOpportunity, error) {
	q := `
		SELECT id, kind, asset, fiat, route, expected_roi_pct, max_notional,
		       liquidity_score, detected_at, spread_at, status
		FROM opportunities
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR asset = $3)
		ORDER BY detected_at DESC
		OFFSET $4`
	args := []any{string(filter.Kind), string(filter.Status), filter.Asset, opts.Offset}
	if opts.Limit > 0 {
		q += ` LIMIT $5`
		args = append(args, opts.Limit)
	}

	rows, err := s.client.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.ArbitrageOpportunity
	for rows.Next() {
		var (
			opp   domain.ArbitrageOpportunity
			route []byte
		)
		if err := rows.Scan(&opp.ID, &opp.Kind, &opp.Asset, &opp.Fiat, &route,
			&opp.ExpectedROIPct, &opp.MaxNotional, &opp.LiquidityScore,
			&opp.DetectedAt, &opp.SpreadAt, &opp.Status); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal(route, &opp.Route); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal route for %s: %w", opp.ID, err)
		}
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	return out, nil
}

// GetByID returns one stored opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.ArbitrageOpportunity, error) {
	const q = `
		SELECT id, kind, asset, fiat, route, expected_roi_pct, max_notional,
		       liquidity_score, detected_at, spread_at, status
		FROM opportunities WHERE id = $1`

	var (
		opp   domain.ArbitrageOpportunity
		route []byte
	)
	err := s.client.pool.QueryRow(ctx, q, id).Scan(
		&opp.ID, &opp.Kind, &opp.Asset, &opp.Fiat, &route,
		&opp.ExpectedROIPct, &opp.MaxNotional, &opp.LiquidityScore,
		&opp.DetectedAt, &opp.SpreadAt, &opp.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
		}
		return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	if err := json.Unmarshal(route, &opp.Route); err != nil {
		return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: unmarshal route for %s: %w", id, err)
	}
	return opp, nil
}
