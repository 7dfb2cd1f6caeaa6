// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DevJWTSecret is the fallback signing secret. It must be overridden in
// production.
const DevJWTSecret = "dev_secret_change_me" //nolint:gosec // G101: documented development default

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Sweep lock backends.
const (
	LockNone     = "none"
	LockMemory   = "memory"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Event backends.
const (
	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsKafka = "kafka"
)

// Duration is a time.Duration written as a Go duration string in YAML
// ("90s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"`
	URL              string   `yaml:"url"`
	SQLitePath       string   `yaml:"sqlite_path"`
	MaxConns         int32    `yaml:"max_conns"`
	StatementTimeout Duration `yaml:"statement_timeout"`
	AutoMigrate      bool     `yaml:"auto_migrate"`
}

// AuthConfig configures JWT issuing for end users.
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret"` //nolint:gosec // G117: config field
	Issuer     string   `yaml:"issuer"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
	// RateLimit is requests per minute per IP on register and login.
	RateLimit int `yaml:"rate_limit"`
}

// AdminConfig configures HTTP Basic authentication of admin routes.
type AdminConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"` //nolint:gosec // G117: config field
	RateLimitEnabled bool   `yaml:"rate_limit_enabled"`
	// RateLimit is requests per minute per IP on admin routes.
	RateLimit int `yaml:"rate_limit"`
}

// SweeperConfig configures the expiration sweeper.
type SweeperConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
	// Lock is one of none, memory, postgres or redis.
	Lock    string   `yaml:"lock"`
	LockTTL Duration `yaml:"lock_ttl"`
}

// RedisConfig locates the Redis server used for the redis sweep lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` //nolint:gosec // G117: config field
	DB       int    `yaml:"db"`
}

// EventsConfig selects the domain event publisher.
type EventsConfig struct {
	// Backend is one of none, nats or kafka.
	Backend       string   `yaml:"backend"`
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	Topic         string   `yaml:"topic"`
	// BreakerThreshold consecutive publish failures stop publishing for
	// BreakerTimeout.
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerTimeout   Duration `yaml:"breaker_timeout"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LogConfig configures the process and audit logs.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Audit is where audit entries are mirrored: stdout, stderr or discard.
	Audit string `yaml:"audit"`
}

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Admin    AdminConfig    `yaml:"admin"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden: a
// local SQLite database, no admin authentication and no external brokers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Driver:           DriverSQLite,
			SQLitePath:       "subscriptions.db",
			MaxConns:         20,
			StatementTimeout: Duration(10 * time.Second),
			AutoMigrate:      true,
		},
		Auth: AuthConfig{
			JWTSecret:  DevJWTSecret,
			Issuer:     "subscriptions",
			AccessTTL:  Duration(24 * time.Hour),
			RefreshTTL: Duration(7 * 24 * time.Hour),
			RateLimit:  10,
		},
		Admin: AdminConfig{
			Username:  "admin",
			Password:  "admin",
			RateLimit: 100,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  Duration(time.Minute),
			BatchSize: 200,
			Lock:      LockNone,
			LockTTL:   Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			Backend:       EventsNone,
			SubjectPrefix: "subscriptions",
			Topic:         "subscription-events",

			BreakerThreshold: 5,
			BreakerTimeout:   Duration(30 * time.Second),
		},
		Tracing: TracingConfig{
			ServiceName: "subscriptions",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "subscriptions",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Audit:  "stdout",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Admin.Enabled && (c.Admin.Username == "" || c.Admin.Password == "") {
		errs = append(errs, errors.New("admin.username and admin.password are required when admin auth is enabled"))
	}

	if c.Sweeper.Enabled {
		if c.Sweeper.Interval.Std() <= 0 {
			errs = append(errs, errors.New("sweeper.interval must be positive"))
		}
		if c.Sweeper.BatchSize <= 0 {
			errs = append(errs, errors.New("sweeper.batch_size must be positive"))
		}
	}
	switch c.Sweeper.Lock {
	case LockNone, LockMemory:
	case LockPostgres:
		if c.Database.Driver != DriverPostgres {
			errs = append(errs, errors.New("sweeper.lock postgres requires the postgres driver"))
		}
	case LockRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis sweep lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("sweeper.lock must be one of none, memory, postgres, redis; got %q", c.Sweeper.Lock))
	}

	switch c.Events.Backend {
	case EventsNone:
	case EventsNATS:
		if c.Events.NATSURL == "" {
			errs = append(errs, errors.New("events.nats_url is required for the nats backend"))
		}
	case EventsKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("events.kafka_brokers is required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.backend must be one of none, nats, kafka; got %q", c.Events.Backend))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Log.Audit {
	case "stdout", "stderr", "discard":
	default:
		errs = append(errs, fmt.Errorf("log.audit must be stdout, stderr or discard, got %q", c.Log.Audit))
	}
	return errors.Join(errs...)
}
