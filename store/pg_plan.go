package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGPlanStore implements PlanStore backed by PostgreSQL.
type PGPlanStore struct {
	pool *pgxpool.Pool
}

func (s *PGPlanStore) Create(ctx context.Context, p *Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO plans (id, name, description, price, duration_days, total_capacity,
			remaining_capacity, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Price, p.DurationDays, p.TotalCapacity,
		p.RemainingCapacity, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: plan %s", ErrDuplicate, p.ID)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PGPlanStore) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPGPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (s *PGPlanStore) List(ctx context.Context, f PlanFilter) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if f.OnlyActive {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY price ASC, name ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPGPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
