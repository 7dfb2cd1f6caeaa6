package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// keyedSubs implements the key lookup of store.SubscriptionStore.
type keyedSubs struct {
	store.SubscriptionStore
	byKey map[string]*store.Subscription
	err   error
}

func (k *keyedSubs) GetByIdempotencyKey(_ context.Context, key string) (*store.Subscription, error) {
	if k.err != nil {
		return nil, k.err
	}
	s, ok := k.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func TestResolver_Resolve(t *testing.T) {
	customer, plan, other := uuid.New(), uuid.New(), uuid.New()
	existing := &store.Subscription{ID: uuid.New(), CustomerID: customer, PlanID: plan}
	r := NewResolver(&keyedSubs{byKey: map[string]*store.Subscription{"k1": existing}})
	ctx := context.Background()

	tests := []struct {
		name     string
		key      string
		expected Expectation
		outcome  Outcome
		conflict bool
	}{
		{"empty key", "", PurchaseExpectation(customer, plan), Proceed, false},
		{"unused key", "k2", PurchaseExpectation(customer, plan), Proceed, false},
		{"matching purchase", "k1", PurchaseExpectation(customer, plan), Reuse, false},
		{"different plan", "k1", PurchaseExpectation(customer, other), Proceed, true},
		{"different customer", "k1", PurchaseExpectation(other, plan), Proceed, true},
		{"matching change-plan target", "k1", ChangePlanExpectation(plan), Reuse, false},
		{"different change-plan target", "k1", ChangePlanExpectation(other), Proceed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, sub, err := r.Resolve(ctx, tt.key, tt.expected)
			if tt.conflict {
				if !errors.Is(err, ErrIdempotencyConflict) {
					t.Fatalf("expected IdempotencyConflict, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if outcome != tt.outcome {
				t.Errorf("expected %s, got %s", tt.outcome, outcome)
			}
			if outcome == Reuse && sub.ID != existing.ID {
				t.Errorf("expected existing subscription, got %v", sub)
			}
		})
	}
}

func TestResolver_LookupFailure(t *testing.T) {
	r := NewResolver(&keyedSubs{err: errors.New("connection reset")})
	_, _, err := r.Resolve(context.Background(), "k1", ChangePlanExpectation(uuid.New()))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
