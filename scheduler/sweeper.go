package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/observability/metrics"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/scale"
)

// LockKey is the distributed lock key held for the duration of a sweep.
const LockKey = "subscriptions:expire-sweep"

const (
	defaultInterval    = time.Minute
	defaultBatchSize   = 200
	defaultLockTTL     = 5 * time.Minute
	defaultHistorySize = 100
)

// Run triggers.
const (
	TriggerInterval = "interval"
	TriggerManual   = "manual"
)

// Expirer expires one batch of due subscriptions. *lifecycle.Engine
// satisfies it.
type Expirer interface {
	ExpireBatch(ctx context.Context, limit int) (lifecycle.ExpireResult, error)
}

// Config controls the sweep cadence. Zero values take the defaults.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	LockTTL     time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Sweeper periodically cancels expired subscriptions and reclaims their
// capacity. At most one sweep runs per process at a time; with a
// DistributedLock at most one runs across processes.
type Sweeper struct {
	expirer Expirer
	cfg     Config
	lock    scale.DistributedLock
	metrics *metrics.Collector
	tracer  *tracing.LifecycleTracer
	logger  *slog.Logger
	history *history
	running atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLock coordinates sweeps across processes through lock.
func WithLock(lock scale.DistributedLock) Option {
	return func(s *Sweeper) { s.lock = lock }
}

// WithMetrics records sweep runs on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithTracer sets the tracer used for sweep spans.
func WithTracer(t *tracing.LifecycleTracer) Option {
	return func(s *Sweeper) { s.tracer = t }
}

// WithLogger sets the sweeper logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper over expirer.
func NewSweeper(expirer Expirer, cfg Config, opts ...Option) *Sweeper {
	cfg = cfg.withDefaults()
	s := &Sweeper{
		expirer: expirer,
		cfg:     cfg,
		logger:  slog.Default(),
		history: newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = tracing.NewLifecycleTracer(nil)
	}
	return s
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config { return s.cfg }

// Start runs a sweep immediately and then every interval until ctx is done.
// In-flight sweeps are waited for before Start returns.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("expiration sweeper started",
		"interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize, "distributed_lock", s.lock != nil)

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx, TriggerInterval)
		}()
	}

	tick()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration sweeper stopped")
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// RunOnce runs one sweep now and returns its record. A run that overlaps
// another sweep, or cannot take the distributed lock, is recorded as
// skipped.
func (s *Sweeper) RunOnce(ctx context.Context) *ExecutionRecord {
	return s.run(ctx, TriggerManual)
}

// History returns recent execution records, newest first.
func (s *Sweeper) History() []*ExecutionRecord {
	return s.history.list()
}

func (s *Sweeper) run(ctx context.Context, trigger string) *ExecutionRecord {
	rec := &ExecutionRecord{
		ID:        mustGenerateID("sweep"),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	defer s.complete(rec)

	if !s.running.CompareAndSwap(false, true) {
		rec.Status = ExecStatusSkipped
		rec.Error = "sweep already in progress"
		return rec
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, ok, err := s.lock.TryAcquire(ctx, LockKey, s.cfg.LockTTL)
		if err != nil {
			rec.Status = ExecStatusFailed
			rec.Error = "acquire sweep lock: " + err.Error()
			return rec
		}
		if !ok {
			rec.Status = ExecStatusSkipped
			rec.Error = "sweep lock held by another instance"
			return rec
		}
		defer release()
	}

	spanCtx, span := s.tracer.StartSweep(ctx, s.cfg.BatchSize)
	res, err := s.expirer.ExpireBatch(spanCtx, s.cfg.BatchSize)
	s.tracer.Finish(span, err)

	rec.Processed = res.Processed
	if err != nil {
		rec.Status = ExecStatusFailed
		rec.Error = err.Error()
		return rec
	}
	rec.Status = ExecStatusSuccess
	return rec
}

func (s *Sweeper) complete(rec *ExecutionRecord) {
	rec.Duration = time.Since(rec.StartedAt)
	s.history.add(rec)
	s.metrics.RecordSweep(string(rec.Status), rec.Processed, rec.Duration)

	switch rec.Status {
	case ExecStatusFailed:
		s.logger.Error("expiration sweep failed",
			"id", rec.ID, "trigger", rec.Trigger, "error", rec.Error)
	case ExecStatusSkipped:
		s.logger.Debug("expiration sweep skipped", "id", rec.ID, "trigger", rec.Trigger, "reason", rec.Error)
	default:
		if rec.Processed > 0 {
			s.logger.Info("expiration sweep completed",
				"id", rec.ID, "processed", rec.Processed, "duration", rec.Duration)
		}
	}
}
