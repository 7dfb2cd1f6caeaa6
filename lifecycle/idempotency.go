package lifecycle

import (
	"context"
	"errors"

	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// Outcome is the result of resolving an idempotency key.
type Outcome int

const (
	// Proceed means no committed result carries the key.
	Proceed Outcome = iota
	// Reuse means a committed result with matching parameters exists and
	// must be returned instead of executing again.
	Reuse
)

func (o Outcome) String() string {
	if o == Reuse {
		return "reuse"
	}
	return "proceed"
}

// Expectation holds the defining parameters of a keyed operation. Nil
// fields are not compared: purchase sets CustomerID and PlanID, change-plan
// sets only PlanID (the target plan).
type Expectation struct {
	CustomerID *uuid.UUID
	PlanID     *uuid.UUID
}

// PurchaseExpectation is the Expectation of a purchase.
func PurchaseExpectation(customerID, planID uuid.UUID) Expectation {
	return Expectation{CustomerID: &customerID, PlanID: &planID}
}

// ChangePlanExpectation is the Expectation of a change-plan.
func ChangePlanExpectation(targetPlanID uuid.UUID) Expectation {
	return Expectation{PlanID: &targetPlanID}
}

func (x Expectation) matches(s *store.Subscription) bool {
	if x.CustomerID != nil && *x.CustomerID != s.CustomerID {
		return false
	}
	if x.PlanID != nil && *x.PlanID != s.PlanID {
		return false
	}
	return true
}

// Resolver looks up subscriptions committed under an idempotency key. The
// key's uniqueness lives on the subscriptions table, so a committed
// subscription is the stored result.
type Resolver struct {
	subs store.SubscriptionStore
}

// NewResolver creates a Resolver over subs.
func NewResolver(subs store.SubscriptionStore) *Resolver {
	return &Resolver{subs: subs}
}

// Resolve returns Reuse with the prior subscription when key was used with
// matching parameters, Proceed when key is empty or unused, and an
// IdempotencyConflict error when key was used with different parameters.
func (r *Resolver) Resolve(ctx context.Context, key string, expected Expectation) (Outcome, *store.Subscription, error) {
	if key == "" {
		return Proceed, nil, nil
	}
	sub, err := r.subs.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Proceed, nil, nil
	}
	if err != nil {
		return Proceed, nil, Persistence(err)
	}
	if !expected.matches(sub) {
		return Proceed, nil, newError(KindIdempotencyConflict, "", nil)
	}
	return Reuse, sub, nil
}
