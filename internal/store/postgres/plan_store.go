package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quantfold/arbengine/internal/domain"
)

// PlanStore persists execution plans and their child orders. Child orders are
// stored as a JSONB document since they are always read and written with the
// owning plan.
type PlanStore struct {
	client *Client
}

var _ domain.PlanStore = (*PlanStore)(nil)

// NewPlanStore creates a PlanStore backed by the given client.
func NewPlanStore(client *Client) *PlanStore {
	return &PlanStore{client: client}
}

// Insert stores a newly created plan.
func (s *PlanStore) Insert(ctx context.Context, plan domain.ExecutionPlan) error {
	children, err := json.Marshal(plan.ChildOrders)
	if err != nil {
		return fmt.Errorf("postgres: marshal child orders: %w", err)
	}

	const q = `
		INSERT INTO execution_plans
			(id, opportunity_id, asset, fiat, strategy, total_notional,
			 child_orders, state, filled_notional, avg_slippage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.client.pool.Exec(ctx, q,
		plan.ID, plan.OpportunityID, plan.Asset, plan.Fiat, string(plan.Strategy),
		plan.TotalNotional, children, string(plan.State),
		plan.FilledNotional, plan.AvgSlippage, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert plan %s: %w", plan.ID, err)
	}
	return nil
}

// Update overwrites the plan's mutable fields.
func (s *PlanStore) Update(ctx context.Context, plan domain.ExecutionPlan) error {
	children, err := json.Marshal(plan.ChildOrders)
	if err != nil {
		return fmt.Errorf("postgres: marshal child orders: %w", err)
	}

	const q = `
		UPDATE execution_plans
		SET child_orders = $2, state = $3, filled_notional = $4,
		    avg_slippage = $5, updated_at = $6
		WHERE id = $1`
	tag, err := s.client.pool.Exec(ctx, q,
		plan.ID, children, string(plan.State),
		plan.FilledNotional, plan.AvgSlippage, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update plan %s: %w", plan.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: plan %s: %w", plan.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one stored plan.
func (s *PlanStore) GetByID(ctx context.Context, id string) (domain.ExecutionPlan, error) {
	const q = `
		SELECT id, opportunity_id, asset, fiat, strategy, total_notional,
		       child_orders, state, filled_notional, avg_slippage, created_at, updated_at
		FROM execution_plans WHERE id = $1`

	var (
		plan     domain.ExecutionPlan
		children []byte
	)
	err := s.client.pool.QueryRow(ctx, q, id).Scan(
		&plan.ID, &plan.OpportunityID, &plan.Asset, &plan.Fiat, &plan.Strategy,
		&plan.TotalNotional, &children, &plan.State,
		&plan.FilledNotional, &plan.AvgSlippage, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionPlan{}, fmt.Errorf("postgres: plan %s: %w", id, domain.ErrNotFound)
		}
		return domain.ExecutionPlan{}, fmt.Errorf("postgres: get plan %s: %w", id, err)
	}
	if err := json.Unmarshal(children, &plan.ChildOrders); err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("postgres: unmarshal child orders for %s: %w", id, err)
	}
	return plan, nil
}
