// Package events publishes subscription lifecycle events after their
// transaction has committed.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the lifecycle engine.
const (
	TypePurchased   = "subscription.purchased"
	TypePlanChanged = "subscription.plan_changed"
	TypeCancelled   = "subscription.cancelled"
	TypeExpired     = "subscription.expired"
)

// Event is a committed lifecycle fact.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	// PreviousSubscriptionID and PreviousPlanID are set for plan changes.
	PreviousSubscriptionID *uuid.UUID `json:"previous_subscription_id,omitempty"`
	PreviousPlanID         *uuid.UUID `json:"previous_plan_id,omitempty"`
	IdempotencyKey         string     `json:"idempotency_key,omitempty"`
}

// Encode returns the JSON wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers lifecycle events to an external system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// MemoryPublisher keeps published events in memory. It is used in tests and
// single-node deployments that only need the event history.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends e.
func (m *MemoryPublisher) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close is a no-op.
func (m *MemoryPublisher) Close() error { return nil }
