package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "PORT", "SESSION_SECRET",
	"PUBLIC_BASE_URL", "LOG_LEVEL", "LINK_TTL", "POLL_INTERVAL", "SWEEP_INTERVAL",
	"LINK_RETENTION", "TOKEN_CLAIM_WINDOW", "RATE_LIMIT_WINDOW", "RATE_LIMIT_INIT",
	"RATE_LIMIT_POLL", "RATE_LIMIT_COMPLETE", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
}

// setEnv blanks every config variable, then applies vars
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_defaults(t *testing.T) {
	setEnv(t, map[string]string{
		"DATABASE_URL":   "postgres://localhost/devicelink",
		"SESSION_SECRET": "s3cret",
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:3000", cfg.PublicBaseURL)
	assert.Equal(t, "devicelink.db", cfg.SQLitePath)
	assert.Equal(t, 10*time.Minute, cfg.LinkTTL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.LinkRetention)
	assert.Equal(t, 10*time.Minute, cfg.TokenClaimWindow)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 10, cfg.RateLimitInit)
	assert.Equal(t, 120, cfg.RateLimitPoll)
	assert.Equal(t, 20, cfg.RateLimitComplete)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"STORE_DRIVER":    "sqlite",
		"SQLITE_PATH":     "/var/lib/devicelink/links.db",
		"SESSION_SECRET":  "s3cret",
		"PUBLIC_BASE_URL": "https://app.example.com/",
		"LINK_TTL":        "5m",
		"RATE_LIMIT_POLL": "0",
		"REDIS_ADDR":      "redis:6379",
		"REDIS_DB":        "3",
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/var/lib/devicelink/links.db", cfg.SQLitePath)
	assert.Equal(t, "https://app.example.com", cfg.PublicBaseURL, "trailing slash trimmed")
	assert.Equal(t, 5*time.Minute, cfg.LinkTTL)
	assert.Equal(t, 0, cfg.RateLimitPoll)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr string
	}{
		{
			name:    "postgres without url",
			vars:    map[string]string{"SESSION_SECRET": "s"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "missing secret",
			vars:    map[string]string{"STORE_DRIVER": "memory"},
			wantErr: "SESSION_SECRET",
		},
		{
			name:    "unknown driver",
			vars:    map[string]string{"STORE_DRIVER": "mongo", "SESSION_SECRET": "s"},
			wantErr: "STORE_DRIVER",
		},
		{
			name:    "relative base url",
			vars:    map[string]string{"STORE_DRIVER": "memory", "SESSION_SECRET": "s", "PUBLIC_BASE_URL": "app.example.com"},
			wantErr: "PUBLIC_BASE_URL",
		},
		{
			name:    "bad duration",
			vars:    map[string]string{"STORE_DRIVER": "memory", "SESSION_SECRET": "s", "LINK_TTL": "ten minutes"},
			wantErr: "LINK_TTL",
		},
		{
			name:    "non-positive duration",
			vars:    map[string]string{"STORE_DRIVER": "memory", "SESSION_SECRET": "s", "POLL_INTERVAL": "0s"},
			wantErr: "POLL_INTERVAL",
		},
		{
			name:    "bad int",
			vars:    map[string]string{"STORE_DRIVER": "memory", "SESSION_SECRET": "s", "RATE_LIMIT_INIT": "many"},
			wantErr: "RATE_LIMIT_INIT",
		},
		{
			name:    "negative int",
			vars:    map[string]string{"STORE_DRIVER": "memory", "SESSION_SECRET": "s", "RATE_LIMIT_COMPLETE": "-1"},
			wantErr: "RATE_LIMIT_COMPLETE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
