package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the defaults profile
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

// Config is the full runtime configuration. Loaded once at startup and
// passed by handle into component constructors; never mutated afterwards.
type Config struct {
	Mode     Mode
	Host     string
	Port     int
	LogLevel string

	Database  Database
	Redis     Redis
	Queue     Queue
	Worker    Worker
	API       API
	Cache     Cache
	Retention Retention
	Metrics   Metrics

	ShutdownGrace time.Duration
}

// Database holds the Postgres connection settings
type Database struct {
	Host             string
	Port             int
	Name             string
	User             string
	Password         string
	SSLMode          string
	PoolSize         int
	IdleTimeout      time.Duration
	StatementTimeout time.Duration
}

// DSN renders the pgx connection string. Password is embedded here and
// nowhere else; never log the result.
func (d Database) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if d.StatementTimeout > 0 {
		q.Set("statement_timeout", strconv.FormatInt(d.StatementTimeout.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redis holds the queue/cache/rate-limit backing store settings
type Redis struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// Addr renders host:port for the redis client
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Queue holds the durable queue settings
type Queue struct {
	Key     string
	MaxSize int
}

// Worker holds the batch worker settings
type Worker struct {
	PollInterval  time.Duration
	BatchSize     int
	InsertBackoff time.Duration
}

// API holds the ingestion endpoint settings
type API struct {
	BodyLimitKB        int
	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBatchSize       int
	TrustProxy         bool
	CORSOrigins        []string
}

// BodyLimitBytes returns the request body cap in bytes
func (a API) BodyLimitBytes() int64 {
	return int64(a.BodyLimitKB) * 1024
}

// Cache holds the stats cache settings
type Cache struct {
	Enabled bool
	TTL     time.Duration
}

// Retention holds the per-table retention horizons
type Retention struct {
	RawEvents    time.Duration
	Hourly       time.Duration
	Daily        time.Duration
	ErrorSummary time.Duration
}

// Metrics holds the exposition settings. Port 0 mounts /metrics on the
// main router; a non-zero port serves it from a dedicated listener,
// loopback-only in production.
type Metrics struct {
	Enabled bool
	Port    int
}

const day = 24 * time.Hour

/// Load builds the configuration: mode defaults, then the optional YAML
// file named by PLUVIO_CONFIG, then environment variables. Any malformed
// or missing-required value aborts with a descriptive error.
func Load() (*Config, error) {
	return load(os.Getenv)
}

// load is the testable core; getenv abstracts os.Getenv.
func load(getenv func(string) string) (*Config, error) {
	mode, err := parseMode(firstNonEmpty(getenv("NODE_ENV"), getenv("MODE")))
	if err != nil {
		return nil, err
	}

	cfg := defaults(mode)

	if path := getenv("PLUVIO_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults returns the per-mode baseline
func defaults(mode Mode) *Config {
	cfg := &Config{
		Mode:     mode,
		Host:     "0.0.0.0",
		Port:     8080,
		LogLevel: "debug",
		Database: Database{
			Host:             "localhost",
			Port:             5432,
			Name:             "pluvio",
			User:             "pluvio",
			SSLMode:          "disable",
			PoolSize:         10,
			IdleTimeout:      5 * time.Minute,
			StatementTimeout: 10 * time.Second,
		},
		Redis: Redis{
			Host:      "localhost",
			Port:      6379,
			KeyPrefix: "pluvio:",
		},
		Queue: Queue{
			Key:     "pluvio:events:queue",
			MaxSize: 10000,
		},
		Worker: Worker{
			PollInterval:  time.Second,
			BatchSize:     50,
			InsertBackoff: 5 * time.Second,
		},
		API: API{
			BodyLimitKB:        100,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
			MaxBatchSize:       100,
			TrustProxy:         true,
			CORSOrigins:        []string{"*"},
		},
		Cache: Cache{
			Enabled: true,
			TTL:     300 * time.Second,
		},
		Retention: Retention{
			RawEvents:    90 * day,
			Hourly:       30 * day,
			Daily:        730 * day,
			ErrorSummary: 90 * day,
		},
		Metrics: Metrics{
			Enabled: true,
			Port:    0,
		},
		ShutdownGrace: 30 * time.Second,
	}

	switch mode {
	case ModeProduction:
		cfg.Host = "127.0.0.1"
		cfg.LogLevel = "info"
		cfg.Database.SSLMode = "require"
		cfg.API.TrustProxy = false
		cfg.API.CORSOrigins = nil
		cfg.Metrics.Port = 9090
	case ModeTest:
		cfg.Host = "127.0.0.1"
		cfg.LogLevel = "error"
		cfg.Cache.Enabled = false
	}
	return cfg
}

// applyEnv overlays values from getenv onto cfg. Empty values leave the
// current setting untouched.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var err error
	set := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	set(strVar(getenv, "HOST", &cfg.Host))
	set(intVar(getenv, "PORT", &cfg.Port))
	set(strVar(getenv, "LOG_LEVEL", &cfg.LogLevel))

	set(strVar(getenv, "DB_HOST", &cfg.Database.Host))
	set(intVar(getenv, "DB_PORT", &cfg.Database.Port))
	set(strVar(getenv, "DB_NAME", &cfg.Database.Name))
	set(strVar(getenv, "DB_USER", &cfg.Database.User))
	set(strVar(getenv, "DB_PASSWORD", &cfg.Database.Password))
	set(strVar(getenv, "DB_SSLMODE", &cfg.Database.SSLMode))
	set(intVar(getenv, "DB_POOL_SIZE", &cfg.Database.PoolSize))
	set(msVar(getenv, "DB_IDLE_TIMEOUT_MS", &cfg.Database.IdleTimeout))
	set(msVar(getenv, "DB_STATEMENT_TIMEOUT_MS", &cfg.Database.StatementTimeout))

	set(strVar(getenv, "REDIS_HOST", &cfg.Redis.Host))
	set(intVar(getenv, "REDIS_PORT", &cfg.Redis.Port))
	set(strVar(getenv, "REDIS_PASSWORD", &cfg.Redis.Password))
	set(intVar(getenv, "REDIS_DB", &cfg.Redis.DB))
	set(strVar(getenv, "REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix))

	set(strVar(getenv, "QUEUE_KEY", &cfg.Queue.Key))
	set(intVar(getenv, "MAX_QUEUE_SIZE", &cfg.Queue.MaxSize))
	set(msVar(getenv, "WORKER_POLL_INTERVAL_MS", &cfg.Worker.PollInterval))
	set(intVar(getenv, "WORKER_BATCH_SIZE", &cfg.Worker.BatchSize))
	set(msVar(getenv, "WORKER_INSERT_BACKOFF_MS", &cfg.Worker.InsertBackoff))

	set(intVar(getenv, "API_BODY_LIMIT_KB", &cfg.API.BodyLimitKB))
	set(intVar(getenv, "RATE_LIMIT_PER_MINUTE", &cfg.API.RateLimitPerMinute))
	set(intVar(getenv, "RATE_LIMIT_BURST", &cfg.API.RateLimitBurst))
	set(intVar(getenv, "MAX_BATCH_SIZE", &cfg.API.MaxBatchSize))
	set(boolVar(getenv, "TRUST_PROXY", &cfg.API.TrustProxy))

	set(secVar(getenv, "CACHE_TTL_SECONDS", &cfg.Cache.TTL))
	set(boolVar(getenv, "CACHE_ENABLED", &cfg.Cache.Enabled))

	set(dayVar(getenv, "RAW_EVENTS_RETENTION_DAYS", &cfg.Retention.RawEvents))
	set(dayVar(getenv, "HOURLY_AGGREGATIONS_RETENTION_DAYS", &cfg.Retention.Hourly))
	set(dayVar(getenv, "DAILY_AGGREGATIONS_RETENTION_DAYS", &cfg.Retention.Daily))
	set(dayVar(getenv, "ERROR_SUMMARY_RETENTION_DAYS", &cfg.Retention.ErrorSummary))

	set(boolVar(getenv, "ENABLE_METRICS", &cfg.Metrics.Enabled))
	set(intVar(getenv, "METRICS_PORT", &cfg.Metrics.Port))
	set(msVar(getenv, "SHUTDOWN_GRACE_MS", &cfg.ShutdownGrace))

	if err != nil {
		return err
	}

	if raw := getenv("CORS_ORIGIN"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.API.CORSOrigins = origins
	}
	return nil
}

// Validate enforces cross-field and mode-specific rules
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace/debug/info/warn/error/fatal, got %q", c.LogLevel)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("DB_POOL_SIZE must be positive, got %d", c.Database.PoolSize)
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive, got %d", c.Worker.BatchSize)
	}
	if c.API.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.API.MaxBatchSize)
	}
	if c.API.BodyLimitKB < 1 {
		return fmt.Errorf("API_BODY_LIMIT_KB must be positive, got %d", c.API.BodyLimitKB)
	}

	if c.Mode == ModeProduction {
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required in production")
		}
		if c.Redis.Password == "" {
			return fmt.Errorf("REDIS_PASSWORD is required in production")
		}
		if len(c.API.CORSOrigins) == 0 {
			return fmt.Errorf("CORS_ORIGIN is required in production")
		}
		for _, o := range c.API.CORSOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ORIGIN must not be * in production")
			}
		}
	}
	return nil
}

// IsProduction reports whether production defaults are active
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(raw) {
	case "", "development", "dev":
		return ModeDevelopment, nil
	case "production", "prod":
		return ModeProduction, nil
	case "test":
		return ModeTest, nil
	}
	return "", fmt.Errorf("NODE_ENV/MODE must be development, production, or test, got %q", raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func strVar(getenv func(string) string, key string, dst *string) func() error {
	return func() error {
		if v := getenv(key); v != "" {
			*dst = v
		}
		return nil
	}
}

func intVar(getenv func(string) string, key string, dst *int) func() error {
	return func() error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		*dst = n
		return nil
	}
}

// boolVar accepts true/1/yes (and false/0/no), case-insensitively
func boolVar(getenv func(string) string, key string, dst *bool) func() error {
	return func() error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		default:
			return fmt.Errorf("%s must be a boolean (true/1/yes or false/0/no), got %q", key, v)
		}
		return nil
	}
}

func msVar(getenv func(string) string, key string, dst *time.Duration) func() error {
	return durVar(getenv, key, dst, time.Millisecond)
}

func secVar(getenv func(string) string, key string, dst *time.Duration) func() error {
	return durVar(getenv, key, dst, time.Second)
}

func dayVar(getenv func(string) string, key string, dst *time.Duration) func() error {
	return durVar(getenv, key, dst, day)
}

func durVar(getenv func(string) string, key string, dst *time.Duration, unit time.Duration) func() error {
	return func() error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
		}
		*dst = time.Duration(n) * unit
		return nil
	}
}
