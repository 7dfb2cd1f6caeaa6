package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const planColumns = `id, name, description, price, duration_days, total_capacity,
	remaining_capacity, is_active, created_at, updated_at`

const subscriptionColumns = `id, customer_id, plan_id, status, purchased_at, expires_at,
	cancelled_at, idempotency_key, created_at`

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPGPlan(t.tx.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdatePlan(ctx context.Context, p *Plan) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE plans SET name=$2, description=$3, price=$4, duration_days=$5,
			total_capacity=$6, remaining_capacity=$7, is_active=$8, updated_at=NOW()
		WHERE id=$1`,
		p.ID, p.Name, p.Description, p.Price, p.DurationDays,
		p.TotalCapacity, p.RemainingCapacity, p.IsActive)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AdjustRemainingCapacity(ctx context.Context, planID uuid.UUID, delta int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE plans SET remaining_capacity = remaining_capacity + $2, updated_at = NOW() WHERE id = $1`,
		planID, delta)
	if err != nil {
		return fmt.Errorf("adjust plan capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanPGSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) HasActiveSubscription(ctx context.Context, customerID, planID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE customer_id = $1 AND plan_id = $2 AND status = 'active'
		)`, customerID, planID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active subscription: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertSubscription(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, customer_id, plan_id, status, purchased_at, expires_at, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		RETURNING created_at`,
		s.ID, s.CustomerID, s.PlanID, s.Status, s.PurchasedAt, s.ExpiresAt, s.IdempotencyKey).Scan(&s.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: subscription idempotency key", ErrDuplicate)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (t *pgTx) CancelSubscription(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET status = 'cancelled', cancelled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockExpiredSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanPGSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (t *pgTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return insertPGAudit(ctx, t.tx, e)
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPGAudit(ctx context.Context, q pgQuerier, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		INSERT INTO audit_logs (id, event_type, idempotency_key, customer_id, plan_id, subscription_id,
			message, metadata, error_code, status_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		RETURNING created_at`,
		e.ID, e.EventType, nullString(e.IdempotencyKey), e.CustomerID, e.PlanID, e.SubscriptionID,
		nullString(e.Message), meta, nullString(e.ErrorCode), nullInt(e.StatusCode)).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func scanPGPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.DurationDays, &p.TotalCapacity,
		&p.RemainingCapacity, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &p, nil
}

func scanPGSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.CustomerID, &s.PlanID, &s.Status, &s.PurchasedAt, &s.ExpiresAt,
		&s.CancelledAt, &s.IdempotencyKey, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}

// marshalMetadata encodes audit metadata; a nil map is stored as NULL.
func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
	}
	return m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
