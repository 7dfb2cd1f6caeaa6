package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables. Unset and empty
// variables leave the current value in place.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("DATABASE_DRIVER", &c.Database.Driver)
	if e.str("DATABASE_URL", &c.Database.URL) {
		if _, set := e.get("DATABASE_DRIVER"); !set {
			c.Database.Driver = DriverPostgres
		}
	}
	e.str("SQLITE_PATH", &c.Database.SQLitePath)

	if port, ok := e.get("PORT"); ok {
		c.Server.Addr = ":" + port
	}
	e.str("LISTEN_ADDR", &c.Server.Addr)

	e.str("JWT_SECRET", &c.Auth.JWTSecret)
	e.integer("AUTH_RATE_LIMIT", &c.Auth.RateLimit)

	e.boolean("ADMIN_AUTH_ENABLED", &c.Admin.Enabled)
	e.str("ADMIN_USER", &c.Admin.Username)
	e.str("ADMIN_PASS", &c.Admin.Password)
	e.boolean("ADMIN_RATE_LIMIT_ENABLED", &c.Admin.RateLimitEnabled)
	e.integer("RATE_LIMIT_MAX", &c.Admin.RateLimit)

	e.boolean("SWEEPER_ENABLED", &c.Sweeper.Enabled)
	if ms, ok := e.get("BACKGROUND_EXPIRE_INTERVAL_MS"); ok {
		n, err := strconv.Atoi(ms)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("BACKGROUND_EXPIRE_INTERVAL_MS: %w", err))
		} else {
			c.Sweeper.Interval = Duration(time.Duration(n) * time.Millisecond)
		}
	}
	e.integer("EXPIRE_BATCH_SIZE", &c.Sweeper.BatchSize)
	e.str("SWEEP_LOCK", &c.Sweeper.Lock)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)

	e.str("EVENTS_BACKEND", &c.Events.Backend)
	e.str("NATS_URL", &c.Events.NATSURL)
	if brokers, ok := e.get("KAFKA_BROKERS"); ok {
		c.Events.KafkaBrokers = splitList(brokers)
	}
	e.str("EVENTS_TOPIC", &c.Events.Topic)

	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	e.str("OTEL_SERVICE_NAME", &c.Tracing.ServiceName)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) bool {
	v, ok := e.get(key)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
	}
	return lvl, nil
}
