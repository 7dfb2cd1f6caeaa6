package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCheckoutStore implements CheckoutStore backed by PostgreSQL.
type PGCheckoutStore struct {
	pool *pgxpool.Pool
}

func (s *PGCheckoutStore) Create(ctx context.Context, cs *CheckoutSession) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	if cs.Status == "" {
		cs.Status = CheckoutStatusOpen
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO checkout_sessions (id, customer_id, plan_id, status, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		RETURNING created_at`,
		cs.ID, cs.CustomerID, cs.PlanID, cs.Status).Scan(&cs.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (s *PGCheckoutStore) Get(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	var cs CheckoutSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, plan_id, status, subscription_id, created_at, completed_at
		FROM checkout_sessions WHERE id = $1`, id).Scan(
		&cs.ID, &cs.CustomerID, &cs.PlanID, &cs.Status, &cs.SubscriptionID, &cs.CreatedAt, &cs.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan checkout session: %w", err)
	}
	return &cs, nil
}

func (s *PGCheckoutStore) Complete(ctx context.Context, id, subscriptionID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'complete', subscription_id = $2, completed_at = $3
		WHERE id = $1 AND status = 'open'`, id, subscriptionID, at)
	if err != nil {
		return fmt.Errorf("complete checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
