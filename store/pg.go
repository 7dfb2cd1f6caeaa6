package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string `yaml:"url" json:"url"`
	MaxConns        int32  `yaml:"max_conns" json:"max_conns"`
	MinConns        int32  `yaml:"min_conns" json:"min_conns"`
	MaxConnIdleTime string `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
	// StatementTimeout bounds every statement, including lock waits.
	StatementTimeout string `yaml:"statement_timeout" json:"statement_timeout"`
}

// PGStore wraps a pgxpool.Pool and provides access to all domain stores.
type PGStore struct {
	pool *pgxpool.Pool

	plans         *PGPlanStore
	customers     *PGCustomerStore
	users         *PGUserStore
	subscriptions *PGSubscriptionStore
	audit         *PGAuditStore
	checkout      *PGCheckoutStore
}

// NewPGStore connects to PostgreSQL and returns a PGStore with all sub-stores.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(cfg.MaxConnIdleTime)
		if err != nil {
			return nil, fmt.Errorf("parse max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = d
	}
	if cfg.StatementTimeout != "" {
		d, err := time.ParseDuration(cfg.StatementTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse statement_timeout: %w", err)
		}
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", d.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return NewPGStoreFromPool(pool), nil
}

// NewPGStoreFromPool wraps an existing pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	s := &PGStore{pool: pool}
	s.plans = &PGPlanStore{pool: pool}
	s.customers = &PGCustomerStore{pool: pool}
	s.users = &PGUserStore{pool: pool}
	s.subscriptions = &PGSubscriptionStore{pool: pool}
	s.audit = &PGAuditStore{pool: pool}
	s.checkout = &PGCheckoutStore{pool: pool}
	return s
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// Ping verifies the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Plans returns the PlanStore.
func (s *PGStore) Plans() PlanStore { return s.plans }

// Customers returns the CustomerStore.
func (s *PGStore) Customers() CustomerStore { return s.customers }

// Users returns the UserStore.
func (s *PGStore) Users() UserStore { return s.users }

// Subscriptions returns the SubscriptionStore.
func (s *PGStore) Subscriptions() SubscriptionStore { return s.subscriptions }

// Audit returns the AuditStore.
func (s *PGStore) Audit() AuditStore { return s.audit }

// Checkout returns the CheckoutStore.
func (s *PGStore) Checkout() CheckoutStore { return s.checkout }

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// fn are released on commit or rollback.
func (s *PGStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isDuplicateError checks for PostgreSQL unique-violation (23505).
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

var _ Store = (*PGStore)(nil)
