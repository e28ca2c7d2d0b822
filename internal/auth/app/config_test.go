package app

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

var (
	accessSecret  = strings.Repeat("a", 32)
	refreshSecret = strings.Repeat("r", 32)
)

func load(t *testing.T, values map[string]any) (Config, error) {
	t.Helper()

	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return loadFrom(v)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := load(t, nil)
	require.NoError(t, err)

	require.Equal(t, "tavern-auth", cfg.Issuer)
	require.Equal(t, "tavern-api", cfg.Audience)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 30*24*time.Hour, cfg.SessionMaxAge)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, "auth.db", cfg.DatabaseURL)
	require.Equal(t, 8080, cfg.Port)
	require.EqualValues(t, 1, cfg.MFASkew)
	require.True(t, cfg.ReuseRevokesAll)
	require.False(t, cfg.MFAEnforce)
	require.GreaterOrEqual(t, cfg.HashWorkers, 1)

	// dev mode invents distinct secrets
	require.GreaterOrEqual(t, len(cfg.AccessSecret), 32)
	require.GreaterOrEqual(t, len(cfg.RefreshSecret), 32)
	require.NotEqual(t, cfg.AccessSecret, cfg.RefreshSecret)
}

func TestLoadConfig_ParsesValues(t *testing.T) {
	cfg, err := load(t, map[string]any{
		"ENV":                   "prod",
		"AUTH_ACCESS_SECRET":    accessSecret,
		"AUTH_REFRESH_SECRET":   refreshSecret,
		"AUTH_ACCESS_TTL":       "5m",
		"AUTH_REFRESH_TTL":      "24h",
		"AUTH_MFA_ENFORCE":      "true",
		"AUTH_MFA_SKEW":         "2",
		"DATABASE_DRIVER":       "postgres",
		"DATABASE_URL":          "postgres://tavern@localhost/tavern",
		"SHUTDOWN_GRACE_PERIOD": "3s",
	})
	require.NoError(t, err)

	require.Equal(t, 5*time.Minute, cfg.AccessTTL)
	require.Equal(t, 24*time.Hour, cfg.RefreshTTL)
	require.True(t, cfg.MFAEnforce)
	require.EqualValues(t, 2, cfg.MFASkew)
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 3*time.Second, cfg.ShutdownGracePeriod)
	require.Equal(t, accessSecret, cfg.AccessSecret)
}

func TestLoadConfig_Rejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"ENV":                 "prod",
			"AUTH_ACCESS_SECRET":  accessSecret,
			"AUTH_REFRESH_SECRET": refreshSecret,
		}
	}

	tests := []struct {
		name    string
		changes map[string]any
		wantErr string
	}{
		{"missing secrets outside dev", map[string]any{"AUTH_ACCESS_SECRET": ""}, "must be set"},
		{"short secret", map[string]any{"AUTH_REFRESH_SECRET": "short"}, "at least 32 bytes"},
		{"same secret", map[string]any{"AUTH_REFRESH_SECRET": accessSecret}, "must differ"},
		{"access outlives refresh", map[string]any{"AUTH_ACCESS_TTL": "48h", "AUTH_REFRESH_TTL": "24h"}, "shorter"},
		{"session cap below refresh ttl", map[string]any{"AUTH_SESSION_MAX_AGE": "24h"}, "AUTH_SESSION_MAX_AGE"},
		{"unknown driver", map[string]any{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"unknown algorithm", map[string]any{"AUTH_PASSWORD_ALGORITHM": "md5"}, "AUTH_PASSWORD_ALGORITHM"},
		{"bad port", map[string]any{"PORT": 70000}, "PORT"},
		{"no hash workers", map[string]any{"AUTH_HASH_WORKERS": 0}, "AUTH_HASH_WORKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := base()
			for k, v := range tt.changes {
				values[k] = v
			}

			_, err := load(t, values)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Limits(t *testing.T) {
	cfg, err := load(t, map[string]any{
		"RATELIMIT_STRICT_REQUESTS":   1000,
		"RATELIMIT_STRICT_WINDOW_SEC": 30,
		"RATELIMIT_MODERATE_BURST":    50,
	})
	require.NoError(t, err)

	l := cfg.Limits()
	require.Equal(t, 1000, l.Strict.RequestsPerWindow)
	require.Equal(t, 30*time.Second, l.Strict.Window)
	require.Equal(t, httpx.StrictLimit.Burst, l.Strict.Burst)

	require.Equal(t, httpx.ModerateLimit.RequestsPerWindow, l.Moderate.RequestsPerWindow)
	require.Equal(t, 50, l.Moderate.Burst)

	require.Equal(t, httpx.LenientLimit, l.Lenient)
}
