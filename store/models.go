package store

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle status of a subscription row.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// ValidSubscriptionStatuses is the set of valid subscription status values.
var ValidSubscriptionStatuses = map[SubscriptionStatus]bool{
	SubscriptionStatusActive:    true,
	SubscriptionStatusCancelled: true,
}

// CheckoutStatus represents the state of a checkout session.
type CheckoutStatus string

const (
	CheckoutStatusOpen     CheckoutStatus = "open"
	CheckoutStatusComplete CheckoutStatus = "complete"
	CheckoutStatusExpired  CheckoutStatus = "expired"
)

// Plan is a purchasable, capacity-limited subscription tier. Price is in
// minor currency units.
type Plan struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Price             int64     `json:"price"`
	DurationDays      int       `json:"duration_days"`
	TotalCapacity     int       `json:"total_capacity"`
	RemainingCapacity int       `json:"remaining_capacity"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsedCapacity returns the number of capacity units held by active subscriptions.
func (p *Plan) UsedCapacity() int {
	return p.TotalCapacity - p.RemainingCapacity
}

// Customer is a purchaser, optionally linked to an authenticated user.
type Customer struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CustomerWithSubscriptions is a customer together with every subscription
// they have ever held.
type CustomerWithSubscriptions struct {
	Customer
	Subscriptions []*SubscriptionView `json:"subscriptions"`
}

// User is an authenticated account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription binds one customer to one plan for one period. Rows are
// never deleted or reactivated.
type Subscription struct {
	ID             uuid.UUID          `json:"id"`
	CustomerID     uuid.UUID          `json:"customer_id"`
	PlanID         uuid.UUID          `json:"plan_id"`
	Status         SubscriptionStatus `json:"status"`
	PurchasedAt    time.Time          `json:"purchased_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	IdempotencyKey *string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Active reports whether the subscription is in the active state.
func (s *Subscription) Active() bool {
	return s.Status == SubscriptionStatusActive
}

// SubscriptionView is a subscription joined with its customer and plan.
type SubscriptionView struct {
	Subscription
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	PlanName      string `json:"plan_name"`
	PlanPrice     int64  `json:"plan_price"`
	DurationDays  int    `json:"duration_days"`
}

// AuditEntry is an append-only record of a lifecycle attempt.
type AuditEntry struct {
	ID             uuid.UUID      `json:"id"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CustomerID     *uuid.UUID     `json:"customer_id,omitempty"`
	PlanID         *uuid.UUID     `json:"plan_id,omitempty"`
	SubscriptionID *uuid.UUID     `json:"subscription_id,omitempty"`
	Message        string         `json:"message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CheckoutSession is a pending purchase of a plan by a customer.
type CheckoutSession struct {
	ID             uuid.UUID      `json:"id"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	PlanID         uuid.UUID      `json:"plan_id"`
	Status         CheckoutStatus `json:"status"`
	SubscriptionID *uuid.UUID     `json:"subscription_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
