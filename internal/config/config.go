// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Bus backends.
const (
	BusMemory   = "memory"
	BusPostgres = "postgres"
	BusRedis    = "redis"
)

// Wait strategies for bounded tool waits.
const (
	WaitNotify = "notify"
	WaitPoll   = "poll"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SecretKey    string // Shared secret expected in X-Secret-Key. Empty disables auth.

	// Storage settings.
	Store       string // "postgres" or "sqlite"
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string

	// Notification bus.
	Bus      string // "memory", "postgres" or "redis"
	RedisURL string

	// Run execution.
	ToolTimeout   time.Duration
	MaxSteps      int
	HistoryWindow int
	WaitStrategy  string // "notify" or "poll"
	PollInterval  time.Duration
	SweepInterval time.Duration

	// Inbox consumer.
	InboxPollInterval time.Duration
	InboxBatchSize    int
	InboxLease        time.Duration

	// HTTP limits.
	RateLimitRPS        float64
	RateLimitBurst      int
	MaxRequestBodyBytes int64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}

	cfg := Config{
		Port:                num("MACHI_PORT", 8080),
		ReadTimeout:         dur("MACHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("MACHI_WRITE_TIMEOUT", 30*time.Second),
		SecretKey:           str("MACHI_SECRET_KEY", ""),
		Store:               strings.ToLower(str("MACHI_STORE", StoreSQLite)),
		DatabaseURL:         str("DATABASE_URL", ""),
		NotifyURL:           str("NOTIFY_URL", ""),
		SQLitePath:          str("MACHI_SQLITE_PATH", "machi.db"),
		Bus:                 strings.ToLower(str("MACHI_BUS", BusMemory)),
		RedisURL:            str("REDIS_URL", ""),
		ToolTimeout:         dur("MACHI_TOOL_TIMEOUT", 30*time.Second),
		MaxSteps:            num("MACHI_MAX_STEPS", 25),
		HistoryWindow:       num("MACHI_HISTORY_WINDOW", 50),
		WaitStrategy:        strings.ToLower(str("MACHI_WAIT_STRATEGY", WaitNotify)),
		PollInterval:        dur("MACHI_POLL_INTERVAL", 250*time.Millisecond),
		SweepInterval:       dur("MACHI_SWEEP_INTERVAL", 30*time.Second),
		InboxPollInterval:   dur("MACHI_INBOX_POLL_INTERVAL", time.Second),
		InboxBatchSize:      num("MACHI_INBOX_BATCH_SIZE", 32),
		InboxLease:          dur("MACHI_INBOX_LEASE", 5*time.Minute),
		RateLimitRPS:        flt("MACHI_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      num("MACHI_RATE_LIMIT_BURST", 100),
		MaxRequestBodyBytes: int64(num("MACHI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "machi"),
		LogLevel:            str("MACHI_LOG_LEVEL", "info"),
		ShutdownTimeout:     dur("MACHI_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "MACHI_PORT must be between 1 and 65535")
	check(c.Store == StorePostgres || c.Store == StoreSQLite, "MACHI_STORE must be postgres or sqlite, got %q", c.Store)
	check(c.Store != StorePostgres || c.DatabaseURL != "", "DATABASE_URL is required when MACHI_STORE=postgres")
	check(c.Store != StoreSQLite || c.SQLitePath != "", "MACHI_SQLITE_PATH is required when MACHI_STORE=sqlite")
	check(c.Bus == BusMemory || c.Bus == BusPostgres || c.Bus == BusRedis, "MACHI_BUS must be memory, postgres or redis, got %q", c.Bus)
	check(c.Bus != BusPostgres || c.Store == StorePostgres, "MACHI_BUS=postgres requires MACHI_STORE=postgres")
	check(c.Bus != BusRedis || c.RedisURL != "", "REDIS_URL is required when MACHI_BUS=redis")
	check(c.WaitStrategy == WaitNotify || c.WaitStrategy == WaitPoll, "MACHI_WAIT_STRATEGY must be notify or poll, got %q", c.WaitStrategy)
	check(c.ToolTimeout > 0, "MACHI_TOOL_TIMEOUT must be positive")
	check(c.MaxSteps > 0, "MACHI_MAX_STEPS must be positive")
	check(c.HistoryWindow > 0, "MACHI_HISTORY_WINDOW must be positive")
	check(c.PollInterval > 0, "MACHI_POLL_INTERVAL must be positive")
	check(c.SweepInterval > 0, "MACHI_SWEEP_INTERVAL must be positive")
	check(c.InboxPollInterval > 0, "MACHI_INBOX_POLL_INTERVAL must be positive")
	check(c.InboxBatchSize > 0, "MACHI_INBOX_BATCH_SIZE must be positive")
	check(c.InboxLease > 0, "MACHI_INBOX_LEASE must be positive")
	check(c.RateLimitRPS >= 0, "MACHI_RATE_LIMIT_RPS must not be negative")
	check(c.RateLimitBurst >= 0, "MACHI_RATE_LIMIT_BURST must not be negative")
	check(c.MaxRequestBodyBytes > 0, "MACHI_MAX_REQUEST_BODY_BYTES must be positive")
	check(c.ShutdownTimeout > 0, "MACHI_SHUTDOWN_TIMEOUT must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
