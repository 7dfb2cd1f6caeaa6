package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pagination holds common pagination parameters.
type Pagination struct {
	Offset int
	Limit  int
}

// DefaultPagination returns a Pagination with sensible defaults.
func DefaultPagination() Pagination {
	return Pagination{Offset: 0, Limit: 50}
}

// --- Plan ---

// PlanFilter specifies criteria for listing plans.
type PlanFilter struct {
	OnlyActive bool
}

// PlanStore defines read and create operations for plans. Mutations of an
// existing plan go through Tx so they happen under the plan row lock.
type PlanStore interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id uuid.UUID) (*Plan, error)
	List(ctx context.Context, f PlanFilter) ([]*Plan, error)
}

// --- Customer ---

// CustomerStore defines persistence operations for customers.
type CustomerStore interface {
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, id uuid.UUID) (*Customer, error)
	GetByEmail(ctx context.Context, email string) (*Customer, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Customer, error)
	List(ctx context.Context) ([]*Customer, error)
	// LinkUser attaches userID to the customer. Returns ErrConflict when the
	// customer is already linked to a different user.
	LinkUser(ctx context.Context, customerID, userID uuid.UUID) error
}

// --- User ---

// UserStore defines persistence operations for users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// --- Subscription ---

// SubscriptionFilter specifies criteria for listing subscriptions.
type SubscriptionFilter struct {
	CustomerID *uuid.UUID
	Status     SubscriptionStatus
}

// SubscriptionStore defines read operations for subscriptions. All writes
// happen inside a Tx.
type SubscriptionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// GetByIdempotencyKey returns the subscription created under key, or
	// ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*Subscription, error)
	// List returns subscriptions joined with customer and plan, newest
	// purchase first.
	List(ctx context.Context, f SubscriptionFilter) ([]*SubscriptionView, error)
}

// --- Audit ---

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	EventType      string
	IdempotencyKey string
	CustomerID     *uuid.UUID
	PlanID         *uuid.UUID
	SubscriptionID *uuid.UUID
	Since          *time.Time
	Until          *time.Time
	Pagination     Pagination
}

// AuditStore defines persistence operations for audit entries.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}

// --- Checkout ---

// CheckoutStore defines persistence operations for checkout sessions.
type CheckoutStore interface {
	Create(ctx context.Context, s *CheckoutSession) error
	Get(ctx context.Context, id uuid.UUID) (*CheckoutSession, error)
	// Complete marks an open session complete. Completing an already
	// complete session is a no-op.
	Complete(ctx context.Context, id, subscriptionID uuid.UUID, at time.Time) error
}

// --- Transactions ---

// Tx is a single lifecycle transaction. Every Lock* method takes an
// exclusive lock that is held until the transaction ends.
type Tx interface {
	// LockPlan reads and locks a plan row. Returns ErrNotFound.
	LockPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	// UpdatePlan writes every mutable column of a locked plan.
	UpdatePlan(ctx context.Context, p *Plan) error
	// AdjustRemainingCapacity adds delta to the plan's remaining capacity.
	AdjustRemainingCapacity(ctx context.Context, planID uuid.UUID, delta int) error

	// LockSubscription reads and locks a subscription row. Returns ErrNotFound.
	LockSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	HasActiveSubscription(ctx context.Context, customerID, planID uuid.UUID) (bool, error)
	// InsertSubscription returns ErrDuplicate when the idempotency key is
	// already taken.
	InsertSubscription(ctx context.Context, s *Subscription) error
	CancelSubscription(ctx context.Context, id uuid.UUID, at time.Time) error
	// LockExpiredSubscriptions locks up to limit active subscriptions with
	// expires_at <= now, skipping rows locked by other transactions.
	LockExpiredSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// TxFunc is the body of a transaction. Returning an error rolls it back.
type TxFunc func(tx Tx) error

// Store groups every domain store behind one backend.
type Store interface {
	Plans() PlanStore
	Customers() CustomerStore
	Users() UserStore
	Subscriptions() SubscriptionStore
	Audit() AuditStore
	Checkout() CheckoutStore
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
}
