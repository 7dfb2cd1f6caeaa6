package billing

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store     *store.SQLiteStore
	engine    *lifecycle.Engine
	catalog   *Catalog
	customers *Customers
	checkout  *Checkout
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	aw := audit.NewWriter(st.Audit(), &bytes.Buffer{}, nil)
	engine := lifecycle.NewEngine(st, aw)
	return &testEnv{
		store:     st,
		engine:    engine,
		catalog:   NewCatalog(st, aw, nil, nil),
		customers: NewCustomers(st, nil),
		checkout:  NewCheckout(st, engine, aw, nil),
	}
}

func (e *testEnv) auditCount(t *testing.T, eventType audit.EventType) int {
	t.Helper()
	entries, err := e.store.Audit().List(context.Background(), store.AuditFilter{
		EventType:  string(eventType),
		Pagination: store.Pagination{Limit: 100},
	})
	require.NoError(t, err)
	return len(entries)
}

func ptr[T any](v T) *T { return &v }

func TestCatalog_CreatePlanValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   PlanInput
	}{
		{"missing name", PlanInput{Price: 100, DurationDays: 30, TotalCapacity: 1}},
		{"negative price", PlanInput{Name: "x", Price: -1, DurationDays: 30, TotalCapacity: 1}},
		{"zero duration", PlanInput{Name: "x", DurationDays: 0, TotalCapacity: 1}},
		{"zero capacity", PlanInput{Name: "x", DurationDays: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.catalog.CreatePlan(ctx, tt.in)
			assert.Equal(t, "invalid_input", lifecycle.Code(err))
		})
	}
}

func TestCatalog_CreateAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gold, err := env.catalog.CreatePlan(ctx, PlanInput{Name: " Gold ", Price: 3000, DurationDays: 30, TotalCapacity: 5})
	require.NoError(t, err)
	assert.Equal(t, "Gold", gold.Name)
	assert.Equal(t, 5, gold.RemainingCapacity)
	assert.True(t, gold.IsActive)

	_, err = env.catalog.CreatePlan(ctx, PlanInput{Name: "Free", Price: 0, DurationDays: 7, TotalCapacity: 100})
	require.NoError(t, err)
	_, err = env.catalog.CreatePlan(ctx, PlanInput{Name: "Legacy", Price: 10, DurationDays: 7, TotalCapacity: 1, IsActive: ptr(false)})
	require.NoError(t, err)

	all, err := env.catalog.ListPlans(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Free", all[0].Name)
	assert.Equal(t, "Gold", all[2].Name)

	active, err := env.catalog.ListPlans(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	got, err := env.catalog.GetPlan(ctx, gold.ID)
	require.NoError(t, err)
	assert.Equal(t, gold.ID, got.ID)

	_, err = env.catalog.GetPlan(ctx, uuid.New())
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	assert.Equal(t, 3, env.auditCount(t, audit.EventPlanCreated))
}

func TestCatalog_UpdatePlanRecomputesCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.catalog.CreatePlan(ctx, PlanInput{Name: "Team", Price: 500, DurationDays: 30, TotalCapacity: 3})
	require.NoError(t, err)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		c, err := env.customers.Create(ctx, email, email)
		require.NoError(t, err)
		_, err = env.engine.Purchase(ctx, lifecycle.PurchaseRequest{CustomerID: c.ID, PlanID: plan.ID})
		require.NoError(t, err)
	}

	updated, err := env.catalog.UpdatePlan(ctx, plan.ID, PlanUpdate{TotalCapacity: ptr(10), Price: ptr(int64(700))})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.TotalCapacity)
	assert.Equal(t, 8, updated.RemainingCapacity)
	assert.Equal(t, int64(700), updated.Price)

	_, err = env.catalog.UpdatePlan(ctx, plan.ID, PlanUpdate{TotalCapacity: ptr(1)})
	assert.ErrorIs(t, err, lifecycle.ErrCapacityBelowUsage)

	stored, err := env.catalog.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.TotalCapacity, "rejected edit must not persist")

	updated, err = env.catalog.UpdatePlan(ctx, plan.ID, PlanUpdate{TotalCapacity: ptr(2), IsActive: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.RemainingCapacity)
	assert.False(t, updated.IsActive)

	_, err = env.catalog.UpdatePlan(ctx, uuid.New(), PlanUpdate{Name: ptr("x")})
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	_, err = env.catalog.UpdatePlan(ctx, plan.ID, PlanUpdate{DurationDays: ptr(0)})
	assert.Equal(t, "invalid_input", lifecycle.Code(err))

	assert.Equal(t, 2, env.auditCount(t, audit.EventPlanUpdated))
}

func TestCustomers_Create(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.customers.Create(ctx, "  Ada@Example.COM ", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", c.Email)

	_, err = env.customers.Create(ctx, "ADA@example.com", "Other Ada")
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyExists)

	for _, email := range []string{"", "not-an-email", "a@b", "a b@c.d"} {
		_, err := env.customers.Create(ctx, email, "x")
		assert.Equal(t, "invalid_input", lifecycle.Code(err), "email %q", email)
	}
	_, err = env.customers.Create(ctx, "bob@example.com", "  ")
	assert.Equal(t, "invalid_input", lifecycle.Code(err))

	_, err = env.customers.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, lifecycle.ErrCustomerNotFound)
}

func TestCustomers_ListWithSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.catalog.CreatePlan(ctx, PlanInput{Name: "Solo", Price: 100, DurationDays: 30, TotalCapacity: 5})
	require.NoError(t, err)
	buyer, err := env.customers.Create(ctx, "buyer@example.com", "Buyer")
	require.NoError(t, err)
	_, err = env.customers.Create(ctx, "browser@example.com", "Browser")
	require.NoError(t, err)
	_, err = env.engine.Purchase(ctx, lifecycle.PurchaseRequest{CustomerID: buyer.ID, PlanID: plan.ID})
	require.NoError(t, err)

	list, err := env.customers.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.NotNil(t, c.Subscriptions)
		if c.ID == buyer.ID {
			require.Len(t, c.Subscriptions, 1)
			assert.Equal(t, "Solo", c.Subscriptions[0].PlanName)
		} else {
			assert.Empty(t, c.Subscriptions)
		}
	}
}

func TestCustomers_LinkUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cust, err := env.customers.Create(ctx, "link@example.com", "Link")
	require.NoError(t, err)
	user := &store.User{Email: "link@example.com", PasswordHash: "x"}
	require.NoError(t, env.store.Users().Create(ctx, user))

	linked, err := env.customers.LinkUser(ctx, uuid.Nil, "LINK@example.com", user.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.UserID)
	assert.Equal(t, user.ID, *linked.UserID)

	again, err := env.customers.LinkUser(ctx, cust.ID, "", user.ID)
	require.NoError(t, err, "relinking the same user is a no-op")
	assert.Equal(t, cust.ID, again.ID)

	byUser, err := env.customers.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cust.ID, byUser.ID)

	other := &store.User{Email: "other@example.com", PasswordHash: "x"}
	require.NoError(t, env.store.Users().Create(ctx, other))
	_, err = env.customers.LinkUser(ctx, cust.ID, "", other.ID)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyExists)

	_, err = env.customers.LinkUser(ctx, uuid.Nil, "", user.ID)
	assert.Equal(t, "invalid_input", lifecycle.Code(err))
	_, err = env.customers.LinkUser(ctx, uuid.Nil, "nobody@example.com", user.ID)
	assert.ErrorIs(t, err, lifecycle.ErrCustomerNotFound)
}

func TestCheckout_CreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.catalog.CreatePlan(ctx, PlanInput{Name: "Old", Price: 1, DurationDays: 1, TotalCapacity: 1, IsActive: ptr(false)})
	require.NoError(t, err)
	cust, err := env.customers.Create(ctx, "c@example.com", "C")
	require.NoError(t, err)

	_, err = env.checkout.CreateSession(ctx, uuid.Nil, plan.ID)
	assert.Equal(t, "invalid_input", lifecycle.Code(err))
	_, err = env.checkout.CreateSession(ctx, uuid.New(), plan.ID)
	assert.ErrorIs(t, err, lifecycle.ErrCustomerNotFound)
	_, err = env.checkout.CreateSession(ctx, cust.ID, plan.ID)
	assert.ErrorIs(t, err, lifecycle.ErrPlanNotFoundOrInactive)
	_, err = env.checkout.CreateSession(ctx, cust.ID, uuid.New())
	assert.ErrorIs(t, err, lifecycle.ErrPlanNotFoundOrInactive)
	_, err = env.checkout.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestCheckout_CompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.catalog.CreatePlan(ctx, PlanInput{Name: "Pro", Price: 900, DurationDays: 30, TotalCapacity: 2})
	require.NoError(t, err)
	cust, err := env.customers.Create(ctx, "pro@example.com", "Pro")
	require.NoError(t, err)

	sess, err := env.checkout.CreateSession(ctx, cust.ID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CheckoutStatusOpen, sess.Status)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*store.CheckoutSession
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := env.checkout.Complete(ctx, sess.ID, "")
			if err != nil {
				t.Errorf("Complete: %v", err)
				return
			}
			mu.Lock()
			results = append(results, done)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, store.CheckoutStatusComplete, r.Status)
		require.NotNil(t, r.SubscriptionID)
		assert.Equal(t, *results[0].SubscriptionID, *r.SubscriptionID)
	}

	p, err := env.catalog.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RemainingCapacity, "one unit taken across all completions")

	sub, err := env.engine.GetSubscription(ctx, *results[0].SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, sub.IdempotencyKey)
	assert.Equal(t, sess.ID.String(), *sub.IdempotencyKey)
}

func TestCheckout_CompleteFailureIsAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.catalog.CreatePlan(ctx, PlanInput{Name: "Tiny", Price: 100, DurationDays: 30, TotalCapacity: 1})
	require.NoError(t, err)
	first, err := env.customers.Create(ctx, "first@example.com", "First")
	require.NoError(t, err)
	second, err := env.customers.Create(ctx, "second@example.com", "Second")
	require.NoError(t, err)

	s1, err := env.checkout.CreateSession(ctx, first.ID, plan.ID)
	require.NoError(t, err)
	s2, err := env.checkout.CreateSession(ctx, second.ID, plan.ID)
	require.NoError(t, err)

	_, err = env.checkout.Complete(ctx, s1.ID, "order-1")
	require.NoError(t, err)
	_, err = env.checkout.Complete(ctx, s2.ID, "order-2")
	assert.True(t, errors.Is(err, lifecycle.ErrCapacityExhausted), "got %v", err)

	open, err := env.checkout.Get(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CheckoutStatusOpen, open.Status)

	assert.Equal(t, 1, env.auditCount(t, audit.EventCheckoutCompleted))
	assert.Equal(t, 1, env.auditCount(t, audit.EventCheckoutFailed))
}
