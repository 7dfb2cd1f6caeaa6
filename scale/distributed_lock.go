package scale

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// DistributedLock coordinates work that should run on one server instance at
// a time, such as the expiration sweep.
type DistributedLock interface {
	// Acquire obtains a lock for the given key. Returns a release function.
	// Blocks until the lock is acquired or context is cancelled.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire attempts to acquire a lock without blocking.
	// Returns false if the lock is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// --- InMemoryLock ---

// InMemoryLock implements DistributedLock for tests and single-server
// deployments. Uses sync.Mutex per key with a map.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	waiters chan struct{} // signals when the lock is released
	held    bool
}

// NewInMemoryLock creates a new in-memory distributed lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{
		locks: make(map[string]*lockEntry),
	}
}

// getOrCreateEntry returns the lock entry for the given key, creating one if necessary.
func (l *InMemoryLock) getOrCreateEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{
			waiters: make(chan struct{}, 1),
		}
		l.locks[key] = entry
	}
	return entry
}

// Acquire obtains a lock for the given key, blocking until acquired or context cancelled.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	entry := l.getOrCreateEntry(key)

	for {
		entry.mu.Lock()
		if !entry.held {
			entry.held = true
			entry.mu.Unlock()

			var releaseOnce sync.Once
			release := func() {
				releaseOnce.Do(func() {
					entry.mu.Lock()
					entry.held = false
					entry.mu.Unlock()
					// Signal one waiter
					select {
					case entry.waiters <- struct{}{}:
					default:
					}
				})
			}

			// If ttl > 0, schedule automatic release
			if ttl > 0 {
				go func() {
					timer := time.NewTimer(ttl)
					defer timer.Stop()
					select {
					case <-timer.C:
						release()
					case <-ctx.Done():
					}
				}()
			}

			return release, nil
		}
		entry.mu.Unlock()

		// Wait for release signal or context cancellation
		select {
		case <-entry.waiters:
			// Lock was released, try again
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire attempts to acquire a lock without blocking.
// Returns false if the lock is already held.
func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	entry := l.getOrCreateEntry(key)

	entry.mu.Lock()
	if entry.held {
		entry.mu.Unlock()
		return nil, false, nil
	}
	entry.held = true
	entry.mu.Unlock()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			entry.mu.Lock()
			entry.held = false
			entry.mu.Unlock()
			// Signal one waiter
			select {
			case entry.waiters <- struct{}{}:
			default:
			}
		})
	}

	// If ttl > 0, schedule automatic release
	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-ctx.Done():
			}
		}()
	}

	return release, true, nil
}

// --- PGAdvisoryLock ---

// PGAdvisoryLock implements DistributedLock using PostgreSQL advisory locks
// (pg_advisory_lock / pg_advisory_unlock). The key string is hashed to int64
// for use as the lock ID.
type PGAdvisoryLock struct {
	db *sql.DB
}

// NewPGAdvisoryLock creates a new PostgreSQL advisory lock implementation.
func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

// NewPGAdvisoryLockFromPool opens a database/sql handle over the store's
// pgx pool. Advisory locks are session scoped, so each acquisition pins one
// pooled connection until release.
func NewPGAdvisoryLockFromPool(pool *pgxpool.Pool) *PGAdvisoryLock {
	return NewPGAdvisoryLock(stdlib.OpenDBFromPool(pool))
}

// Close closes the database/sql handle. The underlying pool stays open.
func (l *PGAdvisoryLock) Close() error {
	return l.db.Close()
}

// Acquire obtains a PostgreSQL advisory lock for the given key.
// Blocks until the lock is acquired or context is cancelled.
// Note: ttl is not natively supported by pg_advisory_lock; the lock is held
// until explicitly released or the session ends.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockID := hashToInt64(key)

	// Use a dedicated connection to ensure the advisory lock is tied to it.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}

	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			// Use a background context for unlock since the original ctx may be cancelled
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Close()
		})
	}

	return release, nil
}

// TryAcquire attempts to acquire a PostgreSQL advisory lock without blocking.
// Returns false if the lock is already held.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}

	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Close()
		})
	}

	return release, true, nil
}

// hashToInt64 converts a string key to an int64 using FNV-1a hash.
// The same key always produces the same hash value.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	v := h.Sum64() & 0x7FFFFFFFFFFFFFFF // Clear sign bit; always <= math.MaxInt64.
	return int64(v)                     //nolint:gosec // masked to non-negative range
}

// --- RedisLock ---

// releaseScript deletes the key only if it still holds the caller's token,
// so a holder whose TTL expired cannot release a newer holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// defaultRedisLockTTL bounds a lock whose caller passed no TTL, so a crashed
// holder never blocks the key forever.
const defaultRedisLockTTL = 30 * time.Second

// RedisLock implements DistributedLock using Redis SET NX with a TTL and a
// random token per acquisition.
type RedisLock struct {
	client *redis.Client
	// retry is the polling interval of Acquire.
	retry time.Duration
}

// NewRedisLock creates a Redis lock for the server at addr.
func NewRedisLock(addr string) *RedisLock {
	return NewRedisLockWithOptions(addr, "", 0)
}

// NewRedisLockWithOptions creates a Redis lock with a password and database
// number.
func NewRedisLockWithOptions(addr, password string, db int) *RedisLock {
	return NewRedisLockFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisLockFromClient wraps an existing client.
func NewRedisLockFromClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, retry: 50 * time.Millisecond}
}

// Acquire polls SET NX until the lock is acquired or ctx is cancelled.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire attempts SET NX once.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.buildRelease(key, token), true, nil
}

// buildRelease returns a release function that deletes key only while it
// still holds token.
func (l *RedisLock) buildRelease(key, token string) func() {
	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(func() {
			// The acquiring ctx may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}

// Close closes the Redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
