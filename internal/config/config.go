package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted in STORE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	Port          string
	SessionSecret string
	PublicBaseURL string
	LogLevel      string

	LinkTTL          time.Duration
	PollInterval     time.Duration
	SweepInterval    time.Duration
	LinkRetention    time.Duration
	TokenClaimWindow time.Duration

	RateLimitWindow   time.Duration
	RateLimitInit     int
	RateLimitPoll     int
	RateLimitComplete int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		StoreDriver:   getString("STORE_DRIVER", DriverPostgres),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    getString("SQLITE_PATH", "devicelink.db"),
		Port:          getString("PORT", "8080"), // default port
		SessionSecret: os.Getenv("SESSION_SECRET"),
		PublicBaseURL: strings.TrimRight(getString("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		LogLevel:      getString("LOG_LEVEL", "info"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required for STORE_DRIVER=postgres")
		}
	case DriverSQLite, DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be one of %s, %s, %s; got %q",
			DriverPostgres, DriverSQLite, DriverMemory, cfg.StoreDriver)
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET environment variable is required")
	}

	if _, err := url.ParseRequestURI(cfg.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("PUBLIC_BASE_URL: %w", err)
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"LINK_TTL", 10 * time.Minute, &cfg.LinkTTL},
		{"POLL_INTERVAL", 2 * time.Second, &cfg.PollInterval},
		{"SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
		{"LINK_RETENTION", 24 * time.Hour, &cfg.LinkRetention},
		{"TOKEN_CLAIM_WINDOW", 10 * time.Minute, &cfg.TokenClaimWindow},
		{"RATE_LIMIT_WINDOW", time.Minute, &cfg.RateLimitWindow},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"RATE_LIMIT_INIT", 10, &cfg.RateLimitInit},
		{"RATE_LIMIT_POLL", 120, &cfg.RateLimitPoll},
		{"RATE_LIMIT_COMPLETE", 20, &cfg.RateLimitComplete},
		{"REDIS_DB", 0, &cfg.RedisDB},
	}
	for _, i := range ints {
		v, err := getInt(i.key, i.fallback)
		if err != nil {
			return nil, err
		}
		*i.dst = v
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid value for %s: must be positive", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid value for %s: must not be negative", key)
	}
	return n, nil
}
