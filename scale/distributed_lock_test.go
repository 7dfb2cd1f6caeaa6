package scale

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sweepKey = "subscriptions:expire-sweep"

var (
	_ DistributedLock = (*InMemoryLock)(nil)
	_ DistributedLock = (*PGAdvisoryLock)(nil)
	_ DistributedLock = (*RedisLock)(nil)
)

// lockPair returns two locks sharing one backend, standing in for two
// server instances.
type lockPair func(t *testing.T) (DistributedLock, DistributedLock)

func lockBackends(t *testing.T) map[string]lockPair {
	t.Helper()
	backends := map[string]lockPair{
		"memory": func(t *testing.T) (DistributedLock, DistributedLock) {
			l := NewInMemoryLock()
			return l, l
		},
		"redis": func(t *testing.T) (DistributedLock, DistributedLock) {
			mr := miniredis.RunT(t)
			a, b := NewRedisLock(mr.Addr()), NewRedisLock(mr.Addr())
			t.Cleanup(func() { a.Close(); b.Close() }) //nolint:errcheck
			return a, b
		},
	}
	if url := os.Getenv("PG_URL"); url != "" {
		backends["postgres"] = func(t *testing.T) (DistributedLock, DistributedLock) {
			pool, err := pgxpool.New(context.Background(), url)
			if err != nil {
				t.Fatalf("connect to postgres: %v", err)
			}
			a, b := NewPGAdvisoryLockFromPool(pool), NewPGAdvisoryLockFromPool(pool)
			t.Cleanup(func() {
				a.Close() //nolint:errcheck
				b.Close() //nolint:errcheck
				pool.Close()
			})
			return a, b
		}
	}
	return backends
}

func TestTryAcquire_ExclusiveAcrossInstances(t *testing.T) {
	for name, open := range lockBackends(t) {
		t.Run(name, func(t *testing.T) {
			a, b := open(t)
			ctx := context.Background()

			release, ok, err := a.TryAcquire(ctx, sweepKey, time.Minute)
			if err != nil || !ok {
				t.Fatalf("first TryAcquire: ok=%v err=%v", ok, err)
			}

			if _, ok, err := b.TryAcquire(ctx, sweepKey, time.Minute); err != nil || ok {
				t.Fatalf("held key: expected ok=false err=nil, got ok=%v err=%v", ok, err)
			}

			other, ok, err := b.TryAcquire(ctx, sweepKey+":other", time.Minute)
			if err != nil || !ok {
				t.Fatalf("unrelated key must be free: ok=%v err=%v", ok, err)
			}
			other()

			release()
			release()

			again, ok, err := b.TryAcquire(ctx, sweepKey, time.Minute)
			if err != nil || !ok {
				t.Fatalf("TryAcquire after release: ok=%v err=%v", ok, err)
			}
			again()
		})
	}
}

func TestInMemoryLock_TTLReleasesAbandonedSweep(t *testing.T) {
	l := NewInMemoryLock()
	ctx := context.Background()

	if _, ok, _ := l.TryAcquire(ctx, sweepKey, 30*time.Millisecond); !ok {
		t.Fatal("expected to acquire")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		release, ok, _ := l.TryAcquire(ctx, sweepKey, 0)
		if ok {
			release()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("lock was not released after its TTL")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisLock_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := NewRedisLock(mr.Addr()), NewRedisLock(mr.Addr())
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	if _, ok, err := a.TryAcquire(ctx, sweepKey, 0); err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL(sweepKey); ttl != defaultRedisLockTTL {
		t.Errorf("expected default TTL %v, got %v", defaultRedisLockTTL, ttl)
	}

	// A crashed holder never releases; the key expires instead.
	mr.FastForward(defaultRedisLockTTL + time.Second)
	release, ok, err := b.TryAcquire(ctx, sweepKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after expiry: ok=%v err=%v", ok, err)
	}
	defer release()
	if ttl := mr.TTL(sweepKey); ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected TTL within one minute, got %v", ttl)
	}
}

func TestRedisLock_StaleHolderCannotRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := NewRedisLock(mr.Addr()), NewRedisLock(mr.Addr())
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	staleRelease, ok, _ := a.TryAcquire(ctx, sweepKey, time.Second)
	if !ok {
		t.Fatal("expected to acquire")
	}
	mr.FastForward(2 * time.Second)

	release, ok, _ := b.TryAcquire(ctx, sweepKey, time.Minute)
	if !ok {
		t.Fatal("expected second instance to take the expired lock")
	}
	defer release()

	staleRelease()
	if !mr.Exists(sweepKey) {
		t.Fatal("stale holder deleted the current holder's key")
	}
	if _, ok, _ := a.TryAcquire(ctx, sweepKey, time.Minute); ok {
		t.Error("lock must still be held by the second instance")
	}
}

func TestRedisLock_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLockWithOptions(mr.Addr(), "", 0)
	defer lock.Close() //nolint:errcheck
	mr.Close()

	if _, ok, err := lock.TryAcquire(context.Background(), sweepKey, time.Second); err == nil || ok {
		t.Fatalf("expected error when redis is unreachable, got ok=%v err=%v", ok, err)
	}
}

func TestHashToInt64(t *testing.T) {
	if hashToInt64(sweepKey) != hashToInt64(sweepKey) {
		t.Error("hash must be stable for one key")
	}
	if hashToInt64(sweepKey) == hashToInt64(sweepKey+":other") {
		t.Error("different keys produced the same lock id")
	}
	if hashToInt64("") < 0 || hashToInt64(sweepKey) < 0 {
		t.Error("lock ids must be non-negative")
	}
}
