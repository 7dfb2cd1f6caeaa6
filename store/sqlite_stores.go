package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// SQLitePlanStore
// ---------------------------------------------------------------------------

// SQLitePlanStore implements PlanStore backed by SQLite.
type SQLitePlanStore struct {
	db *sql.DB
}

func (s *SQLitePlanStore) Create(ctx context.Context, p *Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, description, price, duration_days, total_capacity,
			remaining_capacity, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Price, p.DurationDays, p.TotalCapacity,
		p.RemainingCapacity, p.IsActive, formatSQLiteTime(now), formatSQLiteTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: plan %s", ErrDuplicate, p.ID)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *SQLitePlanStore) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanSQLitePlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
}

func (s *SQLitePlanStore) List(ctx context.Context, f PlanFilter) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if f.OnlyActive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY price ASC, name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanSQLitePlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ---------------------------------------------------------------------------
// SQLiteCustomerStore
// ---------------------------------------------------------------------------

// SQLiteCustomerStore implements CustomerStore backed by SQLite.
type SQLiteCustomerStore struct {
	db *sql.DB
}

func (s *SQLiteCustomerStore) Create(ctx context.Context, c *Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, email, name, user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.Name, c.UserID, formatSQLiteTime(c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: customer with email %s", ErrDuplicate, c.Email)
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *SQLiteCustomerStore) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	return scanSQLiteCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
}

func (s *SQLiteCustomerStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	return scanSQLiteCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE email = ?`, email))
}

func (s *SQLiteCustomerStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*Customer, error) {
	return scanSQLiteCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE user_id = ?`, userID))
}

func (s *SQLiteCustomerStore) List(ctx context.Context) ([]*Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c, err := scanSQLiteCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *SQLiteCustomerStore) LinkUser(ctx context.Context, customerID, userID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current *uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM customers WHERE id = ?`, customerID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock customer: %w", err)
	}
	if current != nil {
		if *current == userID {
			return nil
		}
		return fmt.Errorf("%w: customer already linked to another user", ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE customers SET user_id = ? WHERE id = ?`, userID, customerID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user already linked to another customer", ErrConflict)
		}
		return fmt.Errorf("link customer: %w", err)
	}
	return tx.Commit()
}

func scanSQLiteCustomer(row rowScanner) (*Customer, error) {
	var (
		c         Customer
		createdAt string
	)
	if err := row.Scan(&c.ID, &c.Email, &c.Name, &c.UserID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// SQLiteUserStore
// ---------------------------------------------------------------------------

// SQLiteUserStore implements UserStore backed by SQLite.
type SQLiteUserStore struct {
	db *sql.DB
}

func (s *SQLiteUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, formatSQLiteTime(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user with email %s", ErrDuplicate, u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.scanOne(ctx, `SELECT id, email, password_hash, display_name, created_at FROM users WHERE id = ?`, id)
}

func (s *SQLiteUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(ctx, `SELECT id, email, password_hash, display_name, created_at FROM users WHERE email = ?`, email)
}

func (s *SQLiteUserStore) scanOne(ctx context.Context, query string, args ...any) (*User, error) {
	var (
		u         User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if u.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &u, nil
}

// ---------------------------------------------------------------------------
// SQLiteSubscriptionStore
// ---------------------------------------------------------------------------

// SQLiteSubscriptionStore implements SubscriptionStore backed by SQLite.
type SQLiteSubscriptionStore struct {
	db *sql.DB
}

func (s *SQLiteSubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSQLiteSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
}

func (s *SQLiteSubscriptionStore) GetByIdempotencyKey(ctx context.Context, key string) (*Subscription, error) {
	return scanSQLiteSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE idempotency_key = ?`, key))
}

func (s *SQLiteSubscriptionStore) List(ctx context.Context, f SubscriptionFilter) ([]*SubscriptionView, error) {
	query := subscriptionViewQuery
	args := []any{}
	if f.CustomerID != nil {
		query += ` AND s.customer_id = ?`
		args = append(args, *f.CustomerID)
	}
	if f.Status != "" {
		query += ` AND s.status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY s.purchased_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var views []*SubscriptionView
	for rows.Next() {
		var v SubscriptionView
		sub, err := scanSQLiteSubscription(rows,
			&v.CustomerName, &v.CustomerEmail, &v.PlanName, &v.PlanPrice, &v.DurationDays)
		if err != nil {
			return nil, err
		}
		v.Subscription = *sub
		views = append(views, &v)
	}
	return views, rows.Err()
}

// ---------------------------------------------------------------------------
// SQLiteAuditStore
// ---------------------------------------------------------------------------

// SQLiteAuditStore implements AuditStore backed by SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

func (s *SQLiteAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	return insertSQLiteAudit(ctx, s.db, e)
}

func (s *SQLiteAuditStore) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, event_type, idempotency_key, customer_id, plan_id, subscription_id,
		message, metadata, error_code, status_code, created_at
		FROM audit_logs WHERE 1=1`
	args := []any{}

	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.IdempotencyKey != "" {
		query += ` AND idempotency_key = ?`
		args = append(args, f.IdempotencyKey)
	}
	if f.CustomerID != nil {
		query += ` AND customer_id = ?`
		args = append(args, *f.CustomerID)
	}
	if f.PlanID != nil {
		query += ` AND plan_id = ?`
		args = append(args, *f.PlanID)
	}
	if f.SubscriptionID != nil {
		query += ` AND subscription_id = ?`
		args = append(args, *f.SubscriptionID)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatSQLiteTime(*f.Since))
	}
	if f.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatSQLiteTime(*f.Until))
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Pagination.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e                        AuditEntry
			key, message, code, meta sql.NullString
			status                   sql.NullInt64
			createdAt                string
		)
		err := rows.Scan(&e.ID, &e.EventType, &key, &e.CustomerID, &e.PlanID, &e.SubscriptionID,
			&message, &meta, &code, &status, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.IdempotencyKey = key.String
		e.Message = message.String
		e.ErrorCode = code.String
		e.StatusCode = int(status.Int64)
		if e.Metadata, err = unmarshalMetadata([]byte(meta.String)); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// SQLiteCheckoutStore
// ---------------------------------------------------------------------------

// SQLiteCheckoutStore implements CheckoutStore backed by SQLite.
type SQLiteCheckoutStore struct {
	db *sql.DB
}

func (s *SQLiteCheckoutStore) Create(ctx context.Context, cs *CheckoutSession) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	if cs.Status == "" {
		cs.Status = CheckoutStatusOpen
	}
	cs.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (id, customer_id, plan_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		cs.ID, cs.CustomerID, cs.PlanID, string(cs.Status), formatSQLiteTime(cs.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (s *SQLiteCheckoutStore) Get(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	var (
		cs          CheckoutSession
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, plan_id, status, subscription_id, created_at, completed_at
		FROM checkout_sessions WHERE id = ?`, id).Scan(
		&cs.ID, &cs.CustomerID, &cs.PlanID, &status, &cs.SubscriptionID, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan checkout session: %w", err)
	}
	cs.Status = CheckoutStatus(status)
	if cs.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cs.CompletedAt, err = parseNullSQLiteTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &cs, nil
}

func (s *SQLiteCheckoutStore) Complete(ctx context.Context, id, subscriptionID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET status = 'complete', subscription_id = ?, completed_at = ?
		WHERE id = ? AND status = 'open'`, subscriptionID, formatSQLiteTime(at), id)
	if err != nil {
		return fmt.Errorf("complete checkout session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
