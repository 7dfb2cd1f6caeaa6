// Package lifecycle implements the capacity-safe subscription lifecycle:
// purchase, change-plan, cancel and expire. Every operation runs as one
// store transaction that updates plan capacity and subscription rows
// together under row locks.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/events"
	"github.com/GoCodeAlone/subscriptions/observability/metrics"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation names used for spans and metrics.
const (
	OpPurchase   = "purchase"
	OpChangePlan = "change_plan"
	OpCancel     = "cancel"
	OpExpire     = "expire"
)

// PurchaseRequest asks for a new subscription of CustomerID to PlanID.
type PurchaseRequest struct {
	CustomerID     uuid.UUID `json:"customer_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// ChangePlanRequest moves an active subscription to TargetPlanID.
type ChangePlanRequest struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	TargetPlanID   uuid.UUID `json:"target_plan_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// ExpireResult reports one expiration batch.
type ExpireResult struct {
	Processed int `json:"processed"`
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	CustomerID *uuid.UUID
}

// Engine runs lifecycle operations against a store.Store.
type Engine struct {
	store     store.Store
	resolver  *Resolver
	audit     *audit.Writer
	publisher events.Publisher
	metrics   *metrics.Collector
	tracer    *tracing.LifecycleTracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the publisher committed lifecycle events are sent to.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t *tracing.LifecycleTracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine. A nil audit writer writes audit entries to
// st.Audit() with no JSON mirror output.
func NewEngine(st store.Store, aw *audit.Writer, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		resolver:  NewResolver(st.Subscriptions()),
		audit:     aw,
		publisher: events.NoopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = audit.NewWriter(st.Audit(), io.Discard, e.logger)
	}
	if e.tracer == nil {
		e.tracer = tracing.NewLifecycleTracer(nil)
	}
	return e
}

// Purchase creates an active subscription and takes one unit of the plan's
// capacity. A repeated call with the same idempotency key and parameters
// returns the original subscription without executing again.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (sub *store.Subscription, err error) {
	ctx, span := e.tracer.StartOperation(ctx, OpPurchase,
		attribute.String("customer.id", req.CustomerID.String()),
		attribute.String("plan.id", req.PlanID.String()),
	)
	start := time.Now()
	defer func() { e.finish(span, OpPurchase, start, err) }()

	base := audit.Event{
		IdempotencyKey: req.IdempotencyKey,
		CustomerID:     &req.CustomerID,
		PlanID:         &req.PlanID,
	}
	expected := PurchaseExpectation(req.CustomerID, req.PlanID)

	outcome, prior, err := e.resolver.Resolve(ctx, req.IdempotencyKey, expected)
	if err != nil {
		return nil, e.fail(ctx, audit.EventPurchaseFailed, base, err)
	}
	if outcome == Reuse {
		e.replayed(ctx, audit.EventPurchaseSucceeded, base, prior)
		return prior, nil
	}

	e.record(ctx, audit.EventPurchaseStarted, base, "")

	if _, err := e.store.Customers().Get(ctx, req.CustomerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = newError(KindCustomerNotFound, "", nil)
		}
		return nil, e.fail(ctx, audit.EventPurchaseFailed, base, err)
	}

	now := e.now().UTC()
	var remaining int
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		plan, err := DecrementIfAvailable(ctx, tx, req.PlanID)
		if err != nil {
			return err
		}
		// The plan row lock serializes this check with every other
		// purchase of the same plan.
		active, err := tx.HasActiveSubscription(ctx, req.CustomerID, req.PlanID)
		if err != nil {
			return Persistence(err)
		}
		if active {
			return newError(KindAlreadySubscribed, "", nil)
		}
		s := newSubscription(req.CustomerID, plan, now, req.IdempotencyKey)
		if err := tx.InsertSubscription(ctx, s); err != nil {
			return err
		}
		sub = s
		remaining = plan.RemainingCapacity
		return nil
	})
	if err != nil {
		prior, rerr := e.recoverKeyRace(ctx, req.IdempotencyKey, expected, err)
		if rerr != nil {
			return nil, e.fail(ctx, audit.EventPurchaseFailed, base, rerr)
		}
		e.replayed(ctx, audit.EventPurchaseSucceeded, base, prior)
		return prior, nil
	}

	succeeded := base
	succeeded.SubscriptionID = &sub.ID
	succeeded.Metadata = map[string]any{
		"remaining_capacity": remaining,
		"expires_at":         sub.ExpiresAt.Format(time.RFC3339),
	}
	e.record(ctx, audit.EventPurchaseSucceeded, succeeded, "")
	e.metrics.SetPlanRemaining(req.PlanID.String(), remaining)
	e.publish(ctx, events.Event{
		Type:           events.TypePurchased,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanID:         sub.PlanID,
		IdempotencyKey: req.IdempotencyKey,
	})
	return sub, nil
}

// ChangePlan cancels an active subscription and creates a new one on the
// target plan in one transaction, moving one unit of capacity from the old
// plan to the target plan.
func (e *Engine) ChangePlan(ctx context.Context, req ChangePlanRequest) (sub *store.Subscription, err error) {
	ctx, span := e.tracer.StartOperation(ctx, OpChangePlan,
		attribute.String("subscription.id", req.SubscriptionID.String()),
		attribute.String("plan.id", req.TargetPlanID.String()),
	)
	start := time.Now()
	defer func() { e.finish(span, OpChangePlan, start, err) }()

	base := audit.Event{
		IdempotencyKey: req.IdempotencyKey,
		SubscriptionID: &req.SubscriptionID,
		PlanID:         &req.TargetPlanID,
	}
	expected := ChangePlanExpectation(req.TargetPlanID)

	outcome, prior, err := e.resolver.Resolve(ctx, req.IdempotencyKey, expected)
	if err != nil {
		return nil, e.fail(ctx, audit.EventChangePlanFailed, base, err)
	}
	if outcome == Reuse {
		e.replayed(ctx, audit.EventChangePlanSucceeded, base, prior)
		return prior, nil
	}

	e.record(ctx, audit.EventChangePlanStarted, base, "")

	now := e.now().UTC()
	var old *store.Subscription
	var oldRemaining, targetRemaining int
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		old, err = tx.LockSubscription(ctx, req.SubscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindSubscriptionNotFound, "", nil)
		}
		if err != nil {
			return Persistence(err)
		}
		if !old.Active() {
			return newError(KindSubscriptionNotActive, "", nil)
		}
		if old.PlanID == req.TargetPlanID {
			return newError(KindAlreadyOnTargetPlan, "", nil)
		}

		current, target, err := LockPair(ctx, tx, old.PlanID, req.TargetPlanID)
		if err != nil {
			return err
		}
		if !target.IsActive {
			return newError(KindPlanNotFoundOrInactive, "", nil)
		}
		active, err := tx.HasActiveSubscription(ctx, old.CustomerID, target.ID)
		if err != nil {
			return Persistence(err)
		}
		if active {
			return newError(KindAlreadySubscribed, "", nil)
		}
		if _, err := takeUnit(ctx, tx, target); err != nil {
			return err
		}

		if err := tx.CancelSubscription(ctx, old.ID, now); err != nil {
			return Persistence(err)
		}
		if err := Increment(ctx, tx, current.ID); err != nil {
			return err
		}

		s := newSubscription(old.CustomerID, target, now, req.IdempotencyKey)
		if err := tx.InsertSubscription(ctx, s); err != nil {
			return err
		}
		sub = s
		oldRemaining = current.RemainingCapacity + 1
		targetRemaining = target.RemainingCapacity
		return nil
	})
	if err != nil {
		prior, rerr := e.recoverKeyRace(ctx, req.IdempotencyKey, expected, err)
		if rerr != nil {
			return nil, e.fail(ctx, audit.EventChangePlanFailed, base, rerr)
		}
		e.replayed(ctx, audit.EventChangePlanSucceeded, base, prior)
		return prior, nil
	}

	succeeded := base
	succeeded.SubscriptionID = &sub.ID
	succeeded.CustomerID = &sub.CustomerID
	succeeded.Metadata = map[string]any{
		"previous_subscription_id": old.ID.String(),
		"previous_plan_id":         old.PlanID.String(),
	}
	e.record(ctx, audit.EventChangePlanSucceeded, succeeded, "")
	e.metrics.SetPlanRemaining(old.PlanID.String(), oldRemaining)
	e.metrics.SetPlanRemaining(sub.PlanID.String(), targetRemaining)
	e.publish(ctx, events.Event{
		Type:                   events.TypePlanChanged,
		SubscriptionID:         sub.ID,
		CustomerID:             sub.CustomerID,
		PlanID:                 sub.PlanID,
		PreviousSubscriptionID: &old.ID,
		PreviousPlanID:         &old.PlanID,
		IdempotencyKey:         req.IdempotencyKey,
	})
	return sub, nil
}

// Cancel cancels an active subscription and returns its unit of capacity to
// the plan.
func (e *Engine) Cancel(ctx context.Context, subscriptionID uuid.UUID) (sub *store.Subscription, err error) {
	ctx, span := e.tracer.StartOperation(ctx, OpCancel,
		attribute.String("subscription.id", subscriptionID.String()),
	)
	start := time.Now()
	defer func() { e.finish(span, OpCancel, start, err) }()

	base := audit.Event{SubscriptionID: &subscriptionID}
	now := e.now().UTC()
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		s, err := cancelLocked(ctx, tx, subscriptionID, now)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, e.fail(ctx, audit.EventCancelFailed, base, err)
	}

	base.CustomerID = &sub.CustomerID
	base.PlanID = &sub.PlanID
	e.record(ctx, audit.EventCancelSucceeded, base, "")
	e.publish(ctx, events.Event{
		Type:           events.TypeCancelled,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanID:         sub.PlanID,
	})
	return sub, nil
}

// ExpireBatch cancels up to limit active subscriptions whose expiry has
// passed, reclaiming their capacity. Rows locked by other transactions are
// skipped. All rows of one batch commit together.
func (e *Engine) ExpireBatch(ctx context.Context, limit int) (res ExpireResult, err error) {
	ctx, span := e.tracer.StartOperation(ctx, OpExpire, attribute.Int("expire.limit", limit))
	start := time.Now()
	defer func() { e.finish(span, OpExpire, start, err) }()

	base := audit.Event{Metadata: map[string]any{"limit": limit}}
	if limit <= 0 {
		return res, e.fail(ctx, audit.EventExpireFailed, base, NewInvalidInput("limit must be positive"))
	}

	now := e.now().UTC()
	var expired []*store.Subscription
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		expired = expired[:0]
		due, err := tx.LockExpiredSubscriptions(ctx, now, limit)
		if err != nil {
			return Persistence(err)
		}
		// Plan rows are locked in ascending id order, as LockPair does.
		slices.SortStableFunc(due, func(a, b *store.Subscription) int {
			return bytes.Compare(a.PlanID[:], b.PlanID[:])
		})
		for _, s := range due {
			if err := tx.CancelSubscription(ctx, s.ID, now); err != nil {
				return Persistence(err)
			}
			if err := Increment(ctx, tx, s.PlanID); err != nil {
				return err
			}
			s.Status = store.SubscriptionStatusCancelled
			s.CancelledAt = &now
			if err := e.audit.RecordTx(ctx, tx, audit.Event{
				Type:           audit.EventExpireSucceeded,
				CustomerID:     &s.CustomerID,
				PlanID:         &s.PlanID,
				SubscriptionID: &s.ID,
				Metadata:       map[string]any{"expires_at": s.ExpiresAt.Format(time.RFC3339)},
			}); err != nil {
				return Persistence(err)
			}
			expired = append(expired, s)
		}
		return nil
	})
	if err != nil {
		return ExpireResult{}, e.fail(ctx, audit.EventExpireFailed, base, err)
	}

	for _, s := range expired {
		e.publish(ctx, events.Event{
			Type:           events.TypeExpired,
			SubscriptionID: s.ID,
			CustomerID:     s.CustomerID,
			PlanID:         s.PlanID,
		})
	}
	if len(expired) > 0 {
		e.logger.Info("expired subscriptions", "count", len(expired))
	}
	return ExpireResult{Processed: len(expired)}, nil
}

// ListSubscriptions returns subscriptions with their customer and plan,
// newest purchase first, optionally for one customer.
func (e *Engine) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]*store.SubscriptionView, error) {
	views, err := e.store.Subscriptions().List(ctx, store.SubscriptionFilter{CustomerID: f.CustomerID})
	if err != nil {
		return nil, Persistence(err)
	}
	return views, nil
}

// GetSubscription returns one subscription.
func (e *Engine) GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	sub, err := e.store.Subscriptions().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindSubscriptionNotFound, "", nil)
	}
	if err != nil {
		return nil, Persistence(err)
	}
	return sub, nil
}

// cancelLocked locks and cancels one subscription and reclaims its
// capacity inside tx.
func cancelLocked(ctx context.Context, tx store.Tx, id uuid.UUID, now time.Time) (*store.Subscription, error) {
	sub, err := tx.LockSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindSubscriptionNotFound, "", nil)
	}
	if err != nil {
		return nil, Persistence(err)
	}
	if !sub.Active() {
		return nil, newError(KindSubscriptionAlreadyCancelled, "", nil)
	}
	if err := tx.CancelSubscription(ctx, sub.ID, now); err != nil {
		return nil, Persistence(err)
	}
	if err := Increment(ctx, tx, sub.PlanID); err != nil {
		return nil, err
	}
	sub.Status = store.SubscriptionStatusCancelled
	sub.CancelledAt = &now
	return sub, nil
}

func newSubscription(customerID uuid.UUID, plan *store.Plan, now time.Time, key string) *store.Subscription {
	s := &store.Subscription{
		ID:          uuid.New(),
		CustomerID:  customerID,
		PlanID:      plan.ID,
		Status:      store.SubscriptionStatusActive,
		PurchasedAt: now,
		ExpiresAt:   now.AddDate(0, 0, plan.DurationDays),
	}
	if key != "" {
		s.IdempotencyKey = &key
	}
	return s
}

// recoverKeyRace re-resolves a key once after a failed transaction whose
// failure may come from a concurrent request with the same key committing
// first: a uniqueness violation on the key, the customer already holding
// the subscription that request created, or that request having taken the
// last unit. It returns the committed result or the error to surface.
func (e *Engine) recoverKeyRace(ctx context.Context, key string, expected Expectation, err error) (*store.Subscription, error) {
	if key == "" {
		return nil, err
	}
	dup := errors.Is(err, store.ErrDuplicate)
	if !dup && !errors.Is(err, ErrAlreadySubscribed) && !errors.Is(err, ErrCapacityExhausted) {
		return nil, err
	}
	outcome, prior, rerr := e.resolver.Resolve(ctx, key, expected)
	switch {
	case rerr != nil:
		return nil, rerr
	case outcome == Reuse:
		return prior, nil
	case dup:
		return nil, Persistence(err)
	}
	return nil, err
}

// record writes a terminal or progress audit entry outside any transaction.
func (e *Engine) record(ctx context.Context, t audit.EventType, ev audit.Event, message string) {
	ev.Type = t
	if message != "" {
		ev.Message = message
	}
	e.audit.Record(ctx, ev)
}

// replayed notes an idempotent replay as a success.
func (e *Engine) replayed(ctx context.Context, t audit.EventType, ev audit.Event, prior *store.Subscription) {
	ev.SubscriptionID = &prior.ID
	ev.Metadata = map[string]any{"idempotent_replay": true}
	e.record(ctx, t, ev, "")
}

// fail normalizes err, writes the failure audit entry and returns the
// normalized error.
func (e *Engine) fail(ctx context.Context, t audit.EventType, ev audit.Event, err error) error {
	le := AsError(err)
	if le.Kind == KindPersistence {
		e.logger.Error("lifecycle operation failed", "event", t, "error", err)
	}
	ev.ErrorCode = le.Code
	ev.StatusCode = le.Status
	e.record(ctx, t, ev, le.Error())
	return le
}

// publish sends a committed event. Failures are logged and never reach the
// caller, whose transaction has already committed.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = e.now().UTC()
	err := e.publisher.Publish(ctx, ev)
	e.metrics.RecordEvent(ev.Type, err)
	if err != nil {
		e.logger.Warn("failed to publish lifecycle event", "type", ev.Type, "subscription_id", ev.SubscriptionID, "error", err)
	}
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = Code(err)
	}
	e.metrics.RecordLifecycle(op, outcome, time.Since(start))
	e.tracer.Finish(span, err)
}
