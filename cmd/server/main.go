package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/subscriptions/api"
	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/GoCodeAlone/subscriptions/config"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/observability/metrics"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/scheduler"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "subscriptions: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, builds the service and serves until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("subscriptions", flag.ContinueOnError)
	configFile := fs.String("config", envOr("SUBSCRIPTIONS_CONFIG", ""), "Path to configuration YAML file")
	logFormat := fs.String("log-format", "", "Log format override: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	level := new(slog.LevelVar)
	lvl, _ := config.ParseLevel(cfg.Log.Level) // validated by Load
	level.Set(lvl)
	logger := newLogger(stdout, cfg.Log.Format, level)
	slog.SetDefault(logger)

	if cfg.Auth.JWTSecret == config.DevJWTSecret {
		logger.Warn("using the development JWT secret; set JWT_SECRET in production")
	}

	if *configFile != "" {
		w := config.NewWatcher(config.NewFileSource(*configFile), func(ev config.ChangeEvent) {
			if next, err := config.ParseLevel(ev.Config.Log.Level); err == nil && next != level.Level() {
				level.Set(next)
				logger.Info("log level changed", "level", next.String())
			}
		}, config.WithWatchLogger(logger))
		if err := w.Start(); err != nil {
			logger.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop() //nolint:errcheck
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve wires every component on top of cfg and serves HTTP on ln. It
// returns after ctx is cancelled and the server and sweeper have stopped.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	db, err := openBackend(ctx, cfg.Database, logger)
	if err != nil {
		ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	defer db.close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		mcfg := metrics.DefaultConfig()
		mcfg.Namespace = cfg.Metrics.Namespace
		collector = metrics.NewWithConfig(mcfg)
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		ln.Close()
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "err", err)
		}
	}()
	tracer := tracing.NewLifecycleTracer(tp.Tracer())

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		ln.Close()
		return fmt.Errorf("events: %w", err)
	}
	defer publisher.Close() //nolint:errcheck

	lock, closeLock, err := sweepLock(cfg, db.pool)
	if err != nil {
		ln.Close()
		return fmt.Errorf("sweep lock: %w", err)
	}
	defer closeLock() //nolint:errcheck

	auditWriter := audit.NewWriter(db.store.Audit(), auditOutput(cfg.Log.Audit), logger)
	engine := lifecycle.NewEngine(db.store, auditWriter,
		lifecycle.WithLogger(logger),
		lifecycle.WithPublisher(publisher),
		lifecycle.WithMetrics(collector),
		lifecycle.WithTracer(tracer),
	)

	var sweeper *scheduler.Sweeper
	if cfg.Sweeper.Enabled {
		opts := []scheduler.Option{
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(collector),
			scheduler.WithTracer(tracer),
		}
		if lock != nil {
			opts = append(opts, scheduler.WithLock(lock))
		}
		sweeper = scheduler.NewSweeper(engine, scheduler.Config{
			Interval:  cfg.Sweeper.Interval.Std(),
			BatchSize: cfg.Sweeper.BatchSize,
			LockTTL:   cfg.Sweeper.LockTTL.Std(),
		}, opts...)
	}

	customers := billing.NewCustomers(db.store, logger)
	router := api.NewRouter(api.Services{
		Store:     db.store,
		Engine:    engine,
		Catalog:   billing.NewCatalog(db.store, auditWriter, collector, logger),
		Customers: customers,
		Checkout:  billing.NewCheckout(db.store, engine, auditWriter, logger),
		Audit:     auditWriter,
		Sweeper:   sweeper,
		Metrics:   collector,
	}, api.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTIssuer:      cfg.Auth.Issuer,
		AccessTTL:      cfg.Auth.AccessTTL.Std(),
		RefreshTTL:     cfg.Auth.RefreshTTL.Std(),
		AuthRateLimit:  cfg.Auth.RateLimit,
		Admin:          api.AdminConfig{Enabled: cfg.Admin.Enabled, Username: cfg.Admin.Username, Password: cfg.Admin.Password},
		AdminRateLimit: adminRateLimit(cfg.Admin),
		MaxBodySize:    cfg.Server.MaxBodyBytes,
		ServiceName:    cfg.Tracing.ServiceName,
		Logger:         logger,
	})
	defer router.Stop()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", ln.Addr().String(), "driver", cfg.Database.Driver)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			logger.Info("starting expiration sweeper", "interval", cfg.Sweeper.Interval.Std(), "batch_size", cfg.Sweeper.BatchSize, "lock", cfg.Sweeper.Lock)
			return sweeper.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func adminRateLimit(cfg config.AdminConfig) int {
	if !cfg.RateLimitEnabled {
		return 0
	}
	return cfg.RateLimit
}

// envOr returns the environment variable key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
