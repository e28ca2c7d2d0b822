package app

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	authhttp "github.com/aussiebroadwan/tavern/internal/auth/http"
	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
)

// Config holds the service configuration loaded from the environment.
type Config struct {
	Issuer        string        `mapstructure:"AUTH_ISSUER"`
	Audience      string        `mapstructure:"AUTH_AUDIENCE"`
	AccessSecret  string        `mapstructure:"AUTH_ACCESS_SECRET"`
	RefreshSecret string        `mapstructure:"AUTH_REFRESH_SECRET"`
	AccessTTL     time.Duration `mapstructure:"AUTH_ACCESS_TTL"`
	RefreshTTL    time.Duration `mapstructure:"AUTH_REFRESH_TTL"`

	// SessionMaxAge is how long refreshing can keep one session alive.
	SessionMaxAge time.Duration `mapstructure:"AUTH_SESSION_MAX_AGE"`

	// PasswordAlgorithm is argon2id or bcrypt. The other one still verifies
	// old digests, which are rehashed on the next successful login.
	PasswordAlgorithm  string `mapstructure:"AUTH_PASSWORD_ALGORITHM"`
	PasswordWorkFactor int    `mapstructure:"AUTH_PASSWORD_WORK_FACTOR"`
	PepperFile         string `mapstructure:"AUTH_PEPPER_FILE"`
	HashWorkers        int    `mapstructure:"AUTH_HASH_WORKERS"`

	MFAEnforce      bool `mapstructure:"AUTH_MFA_ENFORCE"`
	MFASkew         uint `mapstructure:"AUTH_MFA_SKEW"`
	ReuseRevokesAll bool `mapstructure:"AUTH_REUSE_REVOKES_ALL"`

	// MasterKeyFile holds the key TOTP secrets are sealed with. Empty
	// stores them unsealed.
	MasterKeyFile string `mapstructure:"AUTH_MASTER_KEY_FILE"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"` // sqlite or postgres
	DatabaseURL    string `mapstructure:"DATABASE_URL"`    // file path for sqlite, DSN for postgres
	RedisAddr      string `mapstructure:"REDIS_ADDR"`      // empty keeps consumed MFA codes in the database
	OTLPEndpoint   string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	LogFormat            string        `mapstructure:"LOG_FORMAT"`
	Port                 int           `mapstructure:"PORT"`
	ShutdownGracePeriod  time.Duration `mapstructure:"SHUTDOWN_GRACE_PERIOD"`
	HousekeepingInterval time.Duration `mapstructure:"HOUSEKEEPING_INTERVAL"`

	StrictRequests    int `mapstructure:"RATELIMIT_STRICT_REQUESTS"`
	StrictWindowSec   int `mapstructure:"RATELIMIT_STRICT_WINDOW_SEC"`
	StrictBurst       int `mapstructure:"RATELIMIT_STRICT_BURST"`
	ModerateRequests  int `mapstructure:"RATELIMIT_MODERATE_REQUESTS"`
	ModerateWindowSec int `mapstructure:"RATELIMIT_MODERATE_WINDOW_SEC"`
	ModerateBurst     int `mapstructure:"RATELIMIT_MODERATE_BURST"`
	LenientRequests   int `mapstructure:"RATELIMIT_LENIENT_REQUESTS"`
	LenientWindowSec  int `mapstructure:"RATELIMIT_LENIENT_WINDOW_SEC"`
	LenientBurst      int `mapstructure:"RATELIMIT_LENIENT_BURST"`
}

// LoadConfig reads .env when present, then the environment. Environment
// variables win over .env.
func LoadConfig() (Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	return loadFrom(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("AUTH_ISSUER", "tavern-auth")
	v.SetDefault("AUTH_AUDIENCE", "tavern-api")
	v.SetDefault("AUTH_ACCESS_SECRET", "")
	v.SetDefault("AUTH_REFRESH_SECRET", "")
	v.SetDefault("AUTH_ACCESS_TTL", jwtx.DefaultAccessTokenTTL)
	v.SetDefault("AUTH_REFRESH_TTL", jwtx.DefaultRefreshTokenTTL)
	v.SetDefault("AUTH_SESSION_MAX_AGE", service.DefaultSessionMaxAge)
	v.SetDefault("AUTH_PASSWORD_ALGORITHM", "argon2id")
	v.SetDefault("AUTH_PASSWORD_WORK_FACTOR", 0) // algorithm default
	v.SetDefault("AUTH_PEPPER_FILE", "")
	v.SetDefault("AUTH_HASH_WORKERS", runtime.GOMAXPROCS(0))
	v.SetDefault("AUTH_MFA_ENFORCE", false)
	v.SetDefault("AUTH_MFA_SKEW", 1)
	v.SetDefault("AUTH_REUSE_REVOKES_ALL", true)
	v.SetDefault("AUTH_MASTER_KEY_FILE", "")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "auth.db")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("PORT", 8080)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second)
	v.SetDefault("HOUSEKEEPING_INTERVAL", time.Hour)

	// Zero keeps the built-in profile value.
	for _, profile := range []string{"STRICT", "MODERATE", "LENIENT"} {
		for _, field := range []string{"REQUESTS", "WINDOW_SEC", "BURST"} {
			v.SetDefault("RATELIMIT_"+profile+"_"+field, 0)
		}
	}
}

func loadFrom(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.isDev() {
		if cfg.AccessSecret == "" {
			cfg.AccessSecret = randomSecret()
		}
		if cfg.RefreshSecret == "" {
			cfg.RefreshSecret = randomSecret()
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch {
	case c.AccessSecret == "" || c.RefreshSecret == "":
		return errors.New("config: AUTH_ACCESS_SECRET and AUTH_REFRESH_SECRET must be set")
	case len(c.AccessSecret) < jwtx.MinSecretLength || len(c.RefreshSecret) < jwtx.MinSecretLength:
		return fmt.Errorf("config: token secrets must be at least %d bytes", jwtx.MinSecretLength)
	case c.AccessSecret == c.RefreshSecret:
		return errors.New("config: AUTH_ACCESS_SECRET and AUTH_REFRESH_SECRET must differ")
	case c.AccessTTL <= 0 || c.RefreshTTL <= 0:
		return errors.New("config: token TTLs must be positive")
	case c.AccessTTL >= c.RefreshTTL:
		return errors.New("config: AUTH_ACCESS_TTL must be shorter than AUTH_REFRESH_TTL")
	case c.SessionMaxAge < c.RefreshTTL:
		return errors.New("config: AUTH_SESSION_MAX_AGE must be at least AUTH_REFRESH_TTL")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	case c.HashWorkers < 1:
		return errors.New("config: AUTH_HASH_WORKERS must be at least 1")
	}

	switch strings.ToLower(c.PasswordAlgorithm) {
	case "argon2id", "argon2", "bcrypt":
	default:
		return fmt.Errorf("config: unknown AUTH_PASSWORD_ALGORITHM %q", c.PasswordAlgorithm)
	}

	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must be set")
	}

	return nil
}

// Limits applies the RATELIMIT_* overrides to the default profiles.
func (c Config) Limits() authhttp.Limits {
	l := authhttp.DefaultLimits()
	l.Strict = l.Strict.Override(c.StrictRequests, seconds(c.StrictWindowSec), c.StrictBurst)
	l.Moderate = l.Moderate.Override(c.ModerateRequests, seconds(c.ModerateWindowSec), c.ModerateBurst)
	l.Lenient = l.Lenient.Override(c.LenientRequests, seconds(c.LenientWindowSec), c.LenientBurst)
	return l
}

func (c Config) isDev() bool {
	return c.Env == "" || c.Env == "dev"
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// randomSecret is only used in dev; tokens stop verifying on restart.
func randomSecret() string {
	s, err := cryptox.GenerateToken(48)
	if err != nil {
		panic("app: failed to generate token secret")
	}
	return s
}
