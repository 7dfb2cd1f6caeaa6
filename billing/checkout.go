package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// Purchaser runs a subscription purchase. *lifecycle.Engine satisfies it.
type Purchaser interface {
	Purchase(ctx context.Context, req lifecycle.PurchaseRequest) (*store.Subscription, error)
}

// Checkout manages checkout sessions. Completing a session purchases its
// plan through the lifecycle engine, keyed so that repeated completions
// resolve to one subscription.
type Checkout struct {
	store     store.Store
	purchaser Purchaser
	audit     *audit.Writer
	logger    *slog.Logger
	now       func() time.Time
}

// NewCheckout creates a Checkout service.
func NewCheckout(st store.Store, p Purchaser, aw *audit.Writer, logger *slog.Logger) *Checkout {
	if logger == nil {
		logger = slog.Default()
	}
	if aw == nil {
		aw = audit.NewWriter(st.Audit(), io.Discard, logger)
	}
	return &Checkout{store: st, purchaser: p, audit: aw, logger: logger, now: time.Now}
}

// CreateSession opens a checkout session of customerID for planID.
func (c *Checkout) CreateSession(ctx context.Context, customerID, planID uuid.UUID) (*store.CheckoutSession, error) {
	if customerID == uuid.Nil || planID == uuid.Nil {
		return nil, lifecycle.NewInvalidInput("customer_id and plan_id are required")
	}
	if _, err := c.store.Customers().Get(ctx, customerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, lifecycle.ErrCustomerNotFound
		}
		return nil, lifecycle.Persistence(err)
	}
	plan, err := c.store.Plans().Get(ctx, planID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !plan.IsActive) {
		return nil, lifecycle.ErrPlanNotFoundOrInactive
	}
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}

	sess := &store.CheckoutSession{
		CustomerID: customerID,
		PlanID:     planID,
		Status:     store.CheckoutStatusOpen,
	}
	if err := c.store.Checkout().Create(ctx, sess); err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return sess, nil
}

// Get returns one checkout session.
func (c *Checkout) Get(ctx context.Context, id uuid.UUID) (*store.CheckoutSession, error) {
	sess, err := c.store.Checkout().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, lifecycle.NewNotFound("checkout session not found")
	}
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return sess, nil
}

// Complete purchases the session's plan and marks the session complete. A
// complete session is returned unchanged. The purchase is keyed by
// idempotencyKey, or by the session id when it is empty.
func (c *Checkout) Complete(ctx context.Context, id uuid.UUID, idempotencyKey string) (*store.CheckoutSession, error) {
	sess, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.CheckoutStatusComplete {
		return sess, nil
	}

	key := idempotencyKey
	if key == "" {
		key = sess.ID.String()
	}
	sub, err := c.purchaser.Purchase(ctx, lifecycle.PurchaseRequest{
		CustomerID:     sess.CustomerID,
		PlanID:         sess.PlanID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, c.failed(ctx, sess, key, err)
	}

	if err := c.store.Checkout().Complete(ctx, sess.ID, sub.ID, c.now().UTC()); err != nil {
		return nil, c.failed(ctx, sess, key, lifecycle.Persistence(err))
	}
	completed, err := c.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	c.audit.Record(ctx, audit.Event{
		Type:           audit.EventCheckoutCompleted,
		IdempotencyKey: key,
		CustomerID:     &sess.CustomerID,
		PlanID:         &sess.PlanID,
		SubscriptionID: &sub.ID,
		Metadata:       map[string]any{"checkout_session_id": sess.ID.String()},
	})
	return completed, nil
}

func (c *Checkout) failed(ctx context.Context, sess *store.CheckoutSession, key string, err error) error {
	le := lifecycle.AsError(err)
	c.audit.Record(ctx, audit.Event{
		Type:           audit.EventCheckoutFailed,
		IdempotencyKey: key,
		CustomerID:     &sess.CustomerID,
		PlanID:         &sess.PlanID,
		Message:        le.Error(),
		ErrorCode:      le.Code,
		StatusCode:     le.Status,
		Metadata:       map[string]any{"checkout_session_id": sess.ID.String()},
	})
	c.logger.Warn("checkout completion failed", "checkout_session_id", sess.ID, "code", le.Code)
	return le
}
