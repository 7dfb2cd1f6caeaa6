package lifecycle

import (
	"bytes"
	"context"
	"errors"

	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// DecrementIfAvailable locks the plan row, checks that the plan is active
// with remaining capacity, and takes one unit. The returned plan reflects
// the decrement. tx must be a lifecycle transaction; the lock is held until
// it ends, so concurrent decrements of one plan are serialized.
func DecrementIfAvailable(ctx context.Context, tx store.Tx, planID uuid.UUID) (*store.Plan, error) {
	plan, err := lockActivePlan(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	return takeUnit(ctx, tx, plan)
}

// Increment returns one unit of capacity to a plan. It never exceeds
// total_capacity: the CHECK constraint rejects that as a persistence error.
func Increment(ctx context.Context, tx store.Tx, planID uuid.UUID) error {
	if err := tx.AdjustRemainingCapacity(ctx, planID, 1); err != nil {
		return Persistence(err)
	}
	return nil
}

// LockPair locks two plan rows in ascending byte order of their ids and
// returns them in argument order. Both rows must exist; activity and
// capacity are left to the caller.
func LockPair(ctx context.Context, tx store.Tx, a, b uuid.UUID) (*store.Plan, *store.Plan, error) {
	first, second := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		first, second = b, a
	}
	p1, err := lockPlan(ctx, tx, first)
	if err != nil {
		return nil, nil, err
	}
	p2, err := lockPlan(ctx, tx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == a {
		return p1, p2, nil
	}
	return p2, p1, nil
}

// Recompute applies a total capacity edit to plan, keeping the number of
// units in use unchanged.
func Recompute(plan *store.Plan, newTotal int) error {
	remaining := newTotal - plan.UsedCapacity()
	if remaining < 0 {
		return newError(KindCapacityBelowUsage, "", nil)
	}
	plan.TotalCapacity = newTotal
	plan.RemainingCapacity = remaining
	return nil
}

func lockPlan(ctx context.Context, tx store.Tx, id uuid.UUID) (*store.Plan, error) {
	plan, err := tx.LockPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindPlanNotFoundOrInactive, "", nil)
	}
	if err != nil {
		return nil, Persistence(err)
	}
	return plan, nil
}

func lockActivePlan(ctx context.Context, tx store.Tx, id uuid.UUID) (*store.Plan, error) {
	plan, err := lockPlan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, newError(KindPlanNotFoundOrInactive, "", nil)
	}
	return plan, nil
}

// takeUnit decrements an already locked plan.
func takeUnit(ctx context.Context, tx store.Tx, plan *store.Plan) (*store.Plan, error) {
	if plan.RemainingCapacity <= 0 {
		return nil, newError(KindCapacityExhausted, "", nil)
	}
	if err := tx.AdjustRemainingCapacity(ctx, plan.ID, -1); err != nil {
		return nil, Persistence(err)
	}
	plan.RemainingCapacity--
	return plan, nil
}
