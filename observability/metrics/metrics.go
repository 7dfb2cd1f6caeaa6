package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool `yaml:"runtime_collectors" json:"runtime_collectors"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:         "subscriptions",
		RuntimeCollectors: true,
	}
}

// Collector wraps the Prometheus metrics of the subscription service. All
// Record methods are safe on a nil *Collector so callers can run without
// metrics.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	LifecycleOperations *prometheus.CounterVec
	LifecycleDuration   *prometheus.HistogramVec
	PlanRemaining       *prometheus.GaugeVec
	SweepRuns           *prometheus.CounterVec
	SweepExpired        prometheus.Counter
	SweepDuration       prometheus.Histogram
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector with its own Prometheus registry.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace
	sub := cfg.Subsystem

	c := &Collector{config: cfg, registry: reg}

	c.LifecycleOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "lifecycle_operations_total",
		Help:      "Total number of lifecycle operations by outcome code",
	}, []string{"operation", "outcome"})

	c.LifecycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "lifecycle_operation_duration_seconds",
		Help:      "Duration of lifecycle operations in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	c.PlanRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "plan_remaining_capacity",
		Help:      "Remaining capacity of a plan as of its last committed change",
	}, []string{"plan_id"})

	c.SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "expire_sweep_runs_total",
		Help:      "Total number of expiration sweep runs by status",
	}, []string{"status"})

	c.SweepExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "expired_subscriptions_total",
		Help:      "Total number of subscriptions expired by the sweeper",
	})

	c.SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "expire_sweep_duration_seconds",
		Help:      "Duration of expiration sweep runs in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	c.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "events_published_total",
		Help:      "Total number of domain events handed to the publisher",
	}, []string{"type", "status"})

	c.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	c.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	reg.MustRegister(
		c.LifecycleOperations,
		c.LifecycleDuration,
		c.PlanRemaining,
		c.SweepRuns,
		c.SweepExpired,
		c.SweepDuration,
		c.EventsPublished,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordLifecycle counts one lifecycle operation. outcome is "success" or
// the stable error code of the failure.
func (c *Collector) RecordLifecycle(operation, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.LifecycleOperations.WithLabelValues(operation, outcome).Inc()
	c.LifecycleDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPlanRemaining records a plan's remaining capacity.
func (c *Collector) SetPlanRemaining(planID string, remaining int) {
	if c == nil {
		return
	}
	c.PlanRemaining.WithLabelValues(planID).Set(float64(remaining))
}

// RecordSweep records one sweeper run.
func (c *Collector) RecordSweep(status string, processed int, duration time.Duration) {
	if c == nil {
		return
	}
	c.SweepRuns.WithLabelValues(status).Inc()
	c.SweepExpired.Add(float64(processed))
	c.SweepDuration.Observe(duration.Seconds())
}

// RecordEvent records a publish attempt.
func (c *Collector) RecordEvent(eventType string, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.EventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency. The path label is the
// matched ServeMux pattern so label cardinality stays bounded.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}
