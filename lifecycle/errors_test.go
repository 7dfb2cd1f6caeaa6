package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/GoCodeAlone/subscriptions/store"
)

func TestErrorCodesAreDistinct(t *testing.T) {
	seen := make(map[string]Kind)
	for kind, info := range kinds {
		if other, dup := seen[info.code]; dup {
			t.Errorf("code %q shared by kinds %d and %d", info.code, kind, other)
		}
		seen[info.code] = kind
		if info.status < 400 {
			t.Errorf("kind %d has non-error status %d", kind, info.status)
		}
	}
}

func TestError_StatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		code   string
		status int
	}{
		{ErrPlanNotFoundOrInactive, "plan_not_found_or_inactive", http.StatusNotFound},
		{ErrCapacityExhausted, "capacity_exhausted", http.StatusConflict},
		{ErrAlreadySubscribed, "already_subscribed", http.StatusConflict},
		{ErrSubscriptionNotFound, "subscription_not_found", http.StatusNotFound},
		{ErrSubscriptionNotActive, "subscription_not_active", http.StatusBadRequest},
		{ErrAlreadyOnTargetPlan, "already_on_target_plan", http.StatusBadRequest},
		{ErrIdempotencyConflict, "idempotency_conflict", http.StatusConflict},
		{ErrSubscriptionAlreadyCancelled, "subscription_already_cancelled", http.StatusBadRequest},
		{ErrCustomerNotFound, "customer_not_found", http.StatusNotFound},
		{ErrCapacityBelowUsage, "capacity_below_usage", http.StatusConflict},
		{ErrPersistence, "internal_error", http.StatusInternalServerError},
		{ErrNotFound, "not_found", http.StatusNotFound},
		{ErrAlreadyExists, "already_exists", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code || tt.err.Status != tt.status {
				t.Errorf("expected %s/%d, got %s/%d", tt.code, tt.status, tt.err.Code, tt.err.Status)
			}
		})
	}
}

func TestError_Retryable(t *testing.T) {
	if !ErrCapacityExhausted.Retryable() || !ErrIdempotencyConflict.Retryable() {
		t.Error("capacity and idempotency conflicts are retryable as a different request")
	}
	for _, e := range []*Error{ErrSubscriptionNotFound, ErrSubscriptionNotActive, ErrPlanNotFoundOrInactive, ErrPersistence} {
		if e.Retryable() {
			t.Errorf("%s must be terminal", e.Code)
		}
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", newError(KindCapacityExhausted, "plan gold is full", nil))
	if !errors.Is(wrapped, ErrCapacityExhausted) {
		t.Error("expected errors.Is to match by kind")
	}
	if errors.Is(wrapped, ErrAlreadySubscribed) {
		t.Error("different kinds must not match")
	}

	p := Persistence(store.ErrConflict)
	if !errors.Is(p, store.ErrConflict) {
		t.Error("expected persistence error to unwrap to its cause")
	}
	if p.Error() != "internal error: conflict" {
		t.Errorf("unexpected message %q", p.Error())
	}
}

func TestAsErrorAndCode(t *testing.T) {
	if AsError(nil) != nil || Code(nil) != "" {
		t.Error("nil must stay nil")
	}
	if got := Code(errors.New("disk full")); got != "internal_error" {
		t.Errorf("expected internal_error, got %q", got)
	}
	if got := Code(ErrSubscriptionNotFound); got != "subscription_not_found" {
		t.Errorf("expected subscription_not_found, got %q", got)
	}
	if got := NewInvalidInput("bad limit"); got.Status != http.StatusBadRequest || got.Error() != "bad limit" {
		t.Errorf("unexpected invalid input error: %+v", got)
	}
	if got := NewAlreadyExists("email taken"); !errors.Is(got, ErrAlreadyExists) || got.Status != http.StatusConflict {
		t.Errorf("unexpected already exists error: %+v", got)
	}
}
