package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ---------------------------------------------------------------------------
// Shared integration test helper
// ---------------------------------------------------------------------------

// newTestPGStore opens a PGStore using the PG_URL env var and applies
// migrations. The test is skipped when PG_URL is not set.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := NewMigrator(pool).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPGStoreFromPool(pool)
}

func TestMigrator_Integration_ReleasesAdvisoryLock(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	pool := s.Pool()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = NewMigrator(pool).Migrate(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("migrate %d: %v", i, err)
		}
	}

	var held int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_locks
		WHERE locktype = 'advisory' AND objid::int8 = $1 AND granted`, int64(migrationLockID)).Scan(&held)
	if err != nil {
		t.Fatalf("query pg_locks: %v", err)
	}
	if held != 0 {
		t.Errorf("expected migration lock released, %d sessions still hold it", held)
	}
}

func TestPGStore_Integration_SubscriptionTx(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()

	p := seedPlan(t, s, "pg-"+uuid.NewString(), 100, 2)
	c := seedCustomer(t, s, uuid.NewString()+"@example.com")

	now := time.Now().UTC()
	key := "pg-" + uuid.NewString()
	sub := &Subscription{
		CustomerID:     c.ID,
		PlanID:         p.ID,
		Status:         SubscriptionStatusActive,
		PurchasedAt:    now,
		ExpiresAt:      now.Add(-time.Minute),
		IdempotencyKey: &key,
	}
	err := s.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockPlan(ctx, p.ID)
		if err != nil {
			return err
		}
		if locked.RemainingCapacity != 2 {
			t.Errorf("expected remaining 2, got %d", locked.RemainingCapacity)
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.AdjustRemainingCapacity(ctx, p.ID, -1); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &AuditEntry{EventType: "purchase_succeeded", PlanID: &p.ID,
			Metadata: map[string]any{"source": "integration"}})
	})
	if err != nil {
		t.Fatalf("purchase tx: %v", err)
	}

	dup := &Subscription{CustomerID: c.ID, PlanID: p.ID, Status: SubscriptionStatusActive,
		PurchasedAt: now, ExpiresAt: now, IdempotencyKey: &key}
	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertSubscription(ctx, dup) })
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.Subscriptions().GetByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got.ID != sub.ID {
		t.Errorf("expected %s, got %s", sub.ID, got.ID)
	}

	entries, err := s.Audit().List(ctx, AuditFilter{PlanID: &p.ID})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata["source"] != "integration" {
		t.Errorf("unexpected audit entries: %+v", entries)
	}
}

// TestPGStore_Integration_SkipLocked holds a lock on an expired row in one
// transaction and checks that a concurrent sweep selection skips it.
func TestPGStore_Integration_SkipLocked(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()

	p := seedPlan(t, s, "pg-"+uuid.NewString(), 100, 2)
	c := seedCustomer(t, s, uuid.NewString()+"@example.com")
	past := time.Now().UTC().Add(-time.Hour)
	sub := &Subscription{CustomerID: c.ID, PlanID: p.ID, Status: SubscriptionStatusActive,
		PurchasedAt: past, ExpiresAt: past}
	if err := s.WithTx(ctx, func(tx Tx) error { return tx.InsertSubscription(ctx, sub) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.WithTx(ctx, func(tx Tx) error { return tx.CancelSubscription(ctx, sub.ID, time.Now()) })
	})

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.LockSubscription(ctx, sub.ID); err != nil {
				t.Errorf("lock: %v", err)
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.WithTx(ctx, func(tx Tx) error {
		rows, err := tx.LockExpiredSubscriptions(ctx, time.Now().UTC(), 100)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.ID == sub.ID {
				t.Error("expected locked row to be skipped")
			}
		}
		return nil
	})
	close(release)
	wg.Wait()
	if err != nil {
		t.Fatalf("sweep select: %v", err)
	}
}
