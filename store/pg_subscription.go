package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionViewQuery = `
	SELECT s.id, s.customer_id, s.plan_id, s.status, s.purchased_at, s.expires_at,
		s.cancelled_at, s.idempotency_key, s.created_at,
		c.name, c.email, p.name, p.price, p.duration_days
	FROM subscriptions s
	JOIN customers c ON c.id = s.customer_id
	JOIN plans p ON p.id = s.plan_id
	WHERE 1=1`

// PGSubscriptionStore implements SubscriptionStore backed by PostgreSQL.
type PGSubscriptionStore struct {
	pool *pgxpool.Pool
}

func (s *PGSubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanPGSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (s *PGSubscriptionStore) GetByIdempotencyKey(ctx context.Context, key string) (*Subscription, error) {
	return scanPGSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE idempotency_key = $1`, key))
}

func (s *PGSubscriptionStore) List(ctx context.Context, f SubscriptionFilter) ([]*SubscriptionView, error) {
	query := subscriptionViewQuery
	args := []any{}
	idx := 1

	if f.CustomerID != nil {
		query += fmt.Sprintf(` AND s.customer_id = $%d`, idx)
		args = append(args, *f.CustomerID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND s.status = $%d`, idx)
		args = append(args, f.Status)
	}
	query += ` ORDER BY s.purchased_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var views []*SubscriptionView
	for rows.Next() {
		var v SubscriptionView
		err := rows.Scan(&v.ID, &v.CustomerID, &v.PlanID, &v.Status, &v.PurchasedAt, &v.ExpiresAt,
			&v.CancelledAt, &v.IdempotencyKey, &v.CreatedAt,
			&v.CustomerName, &v.CustomerEmail, &v.PlanName, &v.PlanPrice, &v.DurationDays)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		views = append(views, &v)
	}
	return views, rows.Err()
}
