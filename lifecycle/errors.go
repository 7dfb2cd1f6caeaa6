package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies lifecycle failures.
type Kind int

const (
	KindPersistence Kind = iota
	KindPlanNotFoundOrInactive
	KindCapacityExhausted
	KindAlreadySubscribed
	KindSubscriptionNotFound
	KindSubscriptionNotActive
	KindAlreadyOnTargetPlan
	KindIdempotencyConflict
	KindSubscriptionAlreadyCancelled
	KindCustomerNotFound
	KindCapacityBelowUsage
	KindInvalidInput
	KindNotFound
	KindAlreadyExists
)

type kindInfo struct {
	code   string
	status int
	msg    string
}

var kinds = map[Kind]kindInfo{
	KindPersistence:                  {"internal_error", http.StatusInternalServerError, "internal error"},
	KindPlanNotFoundOrInactive:       {"plan_not_found_or_inactive", http.StatusNotFound, "plan not found or inactive"},
	KindCapacityExhausted:            {"capacity_exhausted", http.StatusConflict, "plan capacity exhausted"},
	KindAlreadySubscribed:            {"already_subscribed", http.StatusConflict, "customer already has an active subscription to this plan"},
	KindSubscriptionNotFound:         {"subscription_not_found", http.StatusNotFound, "subscription not found"},
	KindSubscriptionNotActive:        {"subscription_not_active", http.StatusBadRequest, "subscription is not active"},
	KindAlreadyOnTargetPlan:          {"already_on_target_plan", http.StatusBadRequest, "subscription is already on the target plan"},
	KindIdempotencyConflict:          {"idempotency_conflict", http.StatusConflict, "idempotency key reused with different parameters"},
	KindSubscriptionAlreadyCancelled: {"subscription_already_cancelled", http.StatusBadRequest, "subscription already cancelled"},
	KindCustomerNotFound:             {"customer_not_found", http.StatusNotFound, "customer not found"},
	KindCapacityBelowUsage:           {"capacity_below_usage", http.StatusConflict, "total capacity is below current usage"},
	KindInvalidInput:                 {"invalid_input", http.StatusBadRequest, "invalid input"},
	KindNotFound:                     {"not_found", http.StatusNotFound, "not found"},
	KindAlreadyExists:                {"already_exists", http.StatusConflict, "already exists"},
}

// Error is a lifecycle failure with a stable code and HTTP status.
type Error struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindPersistence {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err,
// ErrCapacityExhausted) works on wrapped errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may succeed with a different
// request (another plan, another key, or later).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindCapacityExhausted, KindIdempotencyConflict:
		return true
	}
	return false
}

// newError builds an Error of kind. An empty message uses the kind's
// default text.
func newError(kind Kind, message string, err error) *Error {
	info := kinds[kind]
	if message == "" {
		message = info.msg
	}
	return &Error{Kind: kind, Code: info.code, Status: info.status, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrPlanNotFoundOrInactive       = newError(KindPlanNotFoundOrInactive, "", nil)
	ErrCapacityExhausted            = newError(KindCapacityExhausted, "", nil)
	ErrAlreadySubscribed            = newError(KindAlreadySubscribed, "", nil)
	ErrSubscriptionNotFound         = newError(KindSubscriptionNotFound, "", nil)
	ErrSubscriptionNotActive        = newError(KindSubscriptionNotActive, "", nil)
	ErrAlreadyOnTargetPlan          = newError(KindAlreadyOnTargetPlan, "", nil)
	ErrIdempotencyConflict          = newError(KindIdempotencyConflict, "", nil)
	ErrSubscriptionAlreadyCancelled = newError(KindSubscriptionAlreadyCancelled, "", nil)
	ErrCustomerNotFound             = newError(KindCustomerNotFound, "", nil)
	ErrCapacityBelowUsage           = newError(KindCapacityBelowUsage, "", nil)
	ErrPersistence                  = newError(KindPersistence, "", nil)
	ErrNotFound                     = newError(KindNotFound, "", nil)
	ErrAlreadyExists                = newError(KindAlreadyExists, "", nil)
)

// NewInvalidInput reports a request that failed validation.
func NewInvalidInput(message string) *Error {
	return newError(KindInvalidInput, message, nil)
}

// NewNotFound reports a missing catalog, customer or checkout record.
func NewNotFound(message string) *Error {
	return newError(KindNotFound, message, nil)
}

// NewAlreadyExists reports a unique-field collision such as a reused email.
func NewAlreadyExists(message string) *Error {
	return newError(KindAlreadyExists, message, nil)
}

// Persistence wraps an unexpected storage failure.
func Persistence(err error) *Error {
	return newError(KindPersistence, "", err)
}

// AsError converts err into an *Error, wrapping anything unknown as a
// persistence failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return Persistence(err)
}

// Code returns the stable error code of err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
