package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DevJWTSecret, cfg.Auth.JWTSecret)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval.Std())
	assert.Equal(t, 200, cfg.Sweeper.BatchSize)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 5s
database:
  driver: postgres
  url: postgres://localhost/subs
sweeper:
  interval: 30s
  batch_size: 50
  lock: postgres
events:
  backend: kafka
  kafka_brokers: ["k1:9092", "k2:9092"]
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout.Std(), "unset fields keep defaults")
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval.Std())
	assert.Equal(t, 50, cfg.Sweeper.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "sweeper:\n  interval: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")

	_, err = Load(writeConfig(t, "database:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "database.driver")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DATABASE_URL":                  "postgres://db/subs",
		"PORT":                          "3000",
		"JWT_SECRET":                    "s3cret",
		"ADMIN_AUTH_ENABLED":            "true",
		"ADMIN_USER":                    "ops",
		"ADMIN_PASS":                    "pw",
		"ADMIN_RATE_LIMIT_ENABLED":      "1",
		"RATE_LIMIT_MAX":                "25",
		"BACKGROUND_EXPIRE_INTERVAL_MS": "1500",
		"EXPIRE_BATCH_SIZE":             "10",
		"SWEEP_LOCK":                    "redis",
		"REDIS_ADDR":                    "redis:6379",
		"EVENTS_BACKEND":                "kafka",
		"KAFKA_BROKERS":                 "a:9092, b:9092,",
		"LOG_LEVEL":                     "warn",
		"SQLITE_PATH":                   "",
	}))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver, "DATABASE_URL implies postgres")
	assert.Equal(t, "postgres://db/subs", cfg.Database.URL)
	assert.Equal(t, "subscriptions.db", cfg.Database.SQLitePath, "empty variables are ignored")
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "ops", cfg.Admin.Username)
	assert.True(t, cfg.Admin.RateLimitEnabled)
	assert.Equal(t, 25, cfg.Admin.RateLimit)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sweeper.Interval.Std())
	assert.Equal(t, 10, cfg.Sweeper.BatchSize)
	assert.Equal(t, LockRedis, cfg.Sweeper.Lock)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, "warn", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_ExplicitDriverWins(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"DATABASE_DRIVER": "sqlite",
		"DATABASE_URL":    "postgres://ignored",
	})))
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"ADMIN_AUTH_ENABLED":            "maybe",
		"EXPIRE_BATCH_SIZE":             "ten",
		"BACKGROUND_EXPIRE_INTERVAL_MS": "1m",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "ADMIN_AUTH_ENABLED")
	assert.ErrorContains(t, err, "EXPIRE_BATCH_SIZE")
	assert.ErrorContains(t, err, "BACKGROUND_EXPIRE_INTERVAL_MS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.url"},
		{"empty secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"admin without password", func(c *Config) { c.Admin.Enabled = true; c.Admin.Password = "" }, "admin.username"},
		{"zero interval", func(c *Config) { c.Sweeper.Interval = 0 }, "sweeper.interval"},
		{"zero batch", func(c *Config) { c.Sweeper.BatchSize = 0 }, "sweeper.batch_size"},
		{"advisory lock on sqlite", func(c *Config) { c.Sweeper.Lock = LockPostgres }, "requires the postgres driver"},
		{"redis lock without addr", func(c *Config) { c.Sweeper.Lock = LockRedis }, "redis.addr"},
		{"unknown lock", func(c *Config) { c.Sweeper.Lock = "zookeeper" }, "sweeper.lock"},
		{"nats without url", func(c *Config) { c.Events.Backend = EventsNATS }, "events.nats_url"},
		{"kafka without brokers", func(c *Config) { c.Events.Backend = EventsKafka }, "events.kafka_brokers"},
		{"unknown backend", func(c *Config) { c.Events.Backend = "sqs" }, "events.backend"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"audit output", func(c *Config) { c.Log.Audit = "file" }, "log.audit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("disabled sweeper skips interval checks", func(t *testing.T) {
		cfg := Default()
		cfg.Sweeper.Enabled = false
		cfg.Sweeper.Interval = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", lvl.String())

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
