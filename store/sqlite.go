package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store backed by an SQLite file. Every
// transaction starts with BEGIN IMMEDIATE, so writers are serialized by the
// database lock and plan rows are effectively locked for the whole
// transaction.
type SQLiteStore struct {
	db *sql.DB

	plans         *SQLitePlanStore
	customers     *SQLiteCustomerStore
	users         *SQLiteUserStore
	subscriptions *SQLiteSubscriptionStore
	audit         *SQLiteAuditStore
	checkout      *SQLiteCheckoutStore
}

// SQLiteDSN builds a modernc.org/sqlite DSN for path with WAL, foreign keys,
// a busy timeout and immediate write transactions.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
}

// OpenSQLiteStore opens (or creates) the database at path and applies
// migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and ensures the schema exists. The caller owns db
// unless it uses Close.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := migrateSQLite(ctx, db); err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	s.plans = &SQLitePlanStore{db: db}
	s.customers = &SQLiteCustomerStore{db: db}
	s.users = &SQLiteUserStore{db: db}
	s.subscriptions = &SQLiteSubscriptionStore{db: db}
	s.audit = &SQLiteAuditStore{db: db}
	s.checkout = &SQLiteCheckoutStore{db: db}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Plans() PlanStore                 { return s.plans }
func (s *SQLiteStore) Customers() CustomerStore         { return s.customers }
func (s *SQLiteStore) Users() UserStore                 { return s.users }
func (s *SQLiteStore) Subscriptions() SubscriptionStore { return s.subscriptions }
func (s *SQLiteStore) Audit() AuditStore                { return s.audit }
func (s *SQLiteStore) Checkout() CheckoutStore          { return s.checkout }

// WithTx runs fn inside an immediate write transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// sqliteTx
// ---------------------------------------------------------------------------

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanSQLitePlan(t.tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
}

func (t *sqliteTx) UpdatePlan(ctx context.Context, p *Plan) error {
	now := nowUTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE plans SET name=?, description=?, price=?, duration_days=?,
			total_capacity=?, remaining_capacity=?, is_active=?, updated_at=?
		WHERE id=?`,
		p.Name, p.Description, p.Price, p.DurationDays,
		p.TotalCapacity, p.RemainingCapacity, p.IsActive, formatSQLiteTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (t *sqliteTx) AdjustRemainingCapacity(ctx context.Context, planID uuid.UUID, delta int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE plans SET remaining_capacity = remaining_capacity + ?, updated_at = ? WHERE id = ?`,
		delta, formatSQLiteTime(nowUTC()), planID)
	if err != nil {
		return fmt.Errorf("adjust plan capacity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSQLiteSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
}

func (t *sqliteTx) HasActiveSubscription(ctx context.Context, customerID, planID uuid.UUID) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE customer_id = ? AND plan_id = ? AND status = 'active'`, customerID, planID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active subscription: %w", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) InsertSubscription(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = nowUTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, customer_id, plan_id, status, purchased_at, expires_at, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CustomerID, s.PlanID, string(s.Status),
		formatSQLiteTime(s.PurchasedAt), formatSQLiteTime(s.ExpiresAt),
		s.IdempotencyKey, formatSQLiteTime(s.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subscription idempotency key", ErrDuplicate)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (t *sqliteTx) CancelSubscription(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'cancelled', cancelled_at = ? WHERE id = ?`,
		formatSQLiteTime(at), id)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LockExpiredSubscriptions has no SKIP LOCKED in SQLite; the immediate
// transaction already excludes every other writer.
func (t *sqliteTx) LockExpiredSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, formatSQLiteTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select expired subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return insertSQLiteAudit(ctx, t.tx, e)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func insertSQLiteAudit(ctx context.Context, db sqlExecer, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var metaArg *string
	if meta != nil {
		ms := string(meta)
		metaArg = &ms
	}
	e.CreatedAt = nowUTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, event_type, idempotency_key, customer_id, plan_id, subscription_id,
			message, metadata, error_code, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, nullString(e.IdempotencyKey), e.CustomerID, e.PlanID, e.SubscriptionID,
		nullString(e.Message), metaArg, nullString(e.ErrorCode), nullInt(e.StatusCode),
		formatSQLiteTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func scanSQLitePlan(row rowScanner) (*Plan, error) {
	var (
		p                    Plan
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.DurationDays, &p.TotalCapacity,
		&p.RemainingCapacity, &p.IsActive, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if p.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func scanSQLiteSubscription(row rowScanner, extra ...any) (*Subscription, error) {
	var (
		s                                 Subscription
		status                            string
		purchasedAt, expiresAt, createdAt string
		cancelledAt                       sql.NullString
	)
	dest := []any{&s.ID, &s.CustomerID, &s.PlanID, &status, &purchasedAt, &expiresAt,
		&cancelledAt, &s.IdempotencyKey, &createdAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.Status = SubscriptionStatus(status)

	var err error
	if s.PurchasedAt, err = parseSQLiteTime(purchasedAt); err != nil {
		return nil, fmt.Errorf("parse purchased_at: %w", err)
	}
	if s.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if s.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.CancelledAt, err = parseNullSQLiteTime(cancelledAt); err != nil {
		return nil, fmt.Errorf("parse cancelled_at: %w", err)
	}
	return &s, nil
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite returns errors containing "UNIQUE constraint failed"
	return strings.Contains(err.Error(), "UNIQUE")
}

// sqliteTimeLayout is fixed width so that stored timestamps compare
// correctly as strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteTimeFormats lists the time formats that SQLite may return.
var sqliteTimeFormats = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime parses a time string returned by SQLite.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range sqliteTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

func parseNullSQLiteTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

var _ Store = (*SQLiteStore)(nil)
