package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/GoCodeAlone/subscriptions/config"
	"github.com/GoCodeAlone/subscriptions/events"
	"github.com/GoCodeAlone/subscriptions/scale"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// backend is an opened store plus what the rest of the process needs from
// the concrete driver.
type backend struct {
	store store.Store
	// pool is set for the postgres driver only.
	pool  *pgxpool.Pool
	close func()
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPGStore(ctx, store.PGConfig{
			URL:              cfg.URL,
			MaxConns:         cfg.MaxConns,
			StatementTimeout: cfg.StatementTimeout.Std().String(),
		})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.NewMigrator(pg.Pool()).Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("database migrations applied", "driver", cfg.Driver)
		}
		return &backend{store: pg, pool: pg.Pool(), close: pg.Close}, nil

	case config.DriverSQLite:
		lite, err := store.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return &backend{store: lite, close: func() {
			if err := lite.Close(); err != nil {
				logger.Warn("close sqlite", "err", err)
			}
		}}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	breaker := events.BreakerConfig{FailureThreshold: cfg.BreakerThreshold, OpenTimeout: cfg.BreakerTimeout.Std()}
	switch cfg.Backend {
	case config.EventsNATS:
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		return events.NewBreakerPublisher(p, breaker, logger), nil
	case config.EventsKafka:
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic, logger)
		if err != nil {
			return nil, err
		}
		return events.NewBreakerPublisher(p, breaker, logger), nil
	case config.EventsNone, "":
		return events.NoopPublisher{}, nil
	}
	return nil, fmt.Errorf("unsupported events backend %q", cfg.Backend)
}

// sweepLock returns the lock guarding the sweeper and a function releasing
// its resources. A nil lock means sweeps are only serialized in-process.
func sweepLock(cfg *config.Config, pool *pgxpool.Pool) (scale.DistributedLock, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sweeper.Lock {
	case config.LockNone, "":
		return nil, noop, nil
	case config.LockMemory:
		return scale.NewInMemoryLock(), noop, nil
	case config.LockPostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("postgres sweep lock requires the postgres driver")
		}
		l := scale.NewPGAdvisoryLockFromPool(pool)
		return l, l.Close, nil
	case config.LockRedis:
		l := scale.NewRedisLockWithOptions(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return l, l.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported sweep lock %q", cfg.Sweeper.Lock)
}

func auditOutput(name string) io.Writer {
	switch name {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	default:
		return os.Stdout
	}
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
