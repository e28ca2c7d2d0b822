package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	authhttp "github.com/aussiebroadwan/tavern/internal/auth/http"
	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/redis"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/sqlstore"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

const serviceName = "tavern-auth"

// BuildVersion is overridden at build time with
// -ldflags "-X github.com/aussiebroadwan/tavern/internal/auth/app.BuildVersion=...".
var BuildVersion = "v0.1.0"

// Application owns the auth service and everything it depends on.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db    store.Store
	redis *goredis.Client
	codes store.ConsumedCodes

	// Services
	auth                *service.AuthService
	mfa                 *service.MFAGate
	housekeepingService *service.HousekeepingService
	registry            *prometheus.Registry

	shutdownTracer func(context.Context) error

	// HTTP server
	server *http.Server
	router *authhttp.Router
}

// New creates the application with every dependency connected and the
// schema migrated.
func New(ctx context.Context, cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: serviceName,
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	shutdown, err := initTracer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.shutdownTracer = shutdown

	if err := app.initDatabase(ctx); err != nil {
		return nil, err
	}

	if err := app.initRedis(ctx); err != nil {
		app.closeStores()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		app.closeStores()
		return nil, err
	}

	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("auth service starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"database", app.cfg.DatabaseDriver,
		"redis", app.redis != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.housekeepingService.Stop()
			if err := app.shutdownTracer(context.Background()); err != nil {
				app.logger.Error("error flushing traces", "error", err)
			}
			app.closeStores()
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown drains in-flight requests, then stops background work and
// releases connections.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.shutdownTracer(ctx); err != nil {
		app.logger.Error("error flushing traces", "error", err)
	}

	if err := app.closeStores(); err != nil {
		return err
	}

	app.logger.Info("auth service stopped")
	return nil
}

func (app *Application) closeStores() error {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			return err
		}
	}
	return nil
}

// initDatabase opens the configured driver and applies migrations.
func (app *Application) initDatabase(ctx context.Context) error {
	db, err := OpenStore(ctx, app.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		app.db = nil
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "driver", app.cfg.DatabaseDriver)
	return nil
}

// initRedis moves consumed MFA codes to redis when REDIS_ADDR is set, so
// replay protection is shared by every instance without touching the
// database on each login.
func (app *Application) initRedis(ctx context.Context) error {
	app.codes = app.db.ConsumedCodes()
	if app.cfg.RedisAddr == "" {
		return nil
	}

	client, err := redis.Connect(ctx, app.cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.redis = client
	app.codes = redis.NewConsumedCodes(client, "")

	app.logger.Info("consumed MFA codes stored in redis", "addr", app.cfg.RedisAddr)
	return nil
}

// initServices builds the hasher, token codec, MFA gate and orchestrator.
func (app *Application) initServices() error {
	pepper, err := cryptox.LoadOrCreatePepper(app.cfg.PepperFile)
	if err != nil {
		return fmt.Errorf("failed to load pepper: %w", err)
	}

	hasher, err := cryptox.NewHasher(app.cfg.PasswordAlgorithm, app.cfg.PasswordWorkFactor, pepper)
	if err != nil {
		return err
	}

	codec := &jwtx.Codec{
		AccessSecret:  []byte(app.cfg.AccessSecret),
		RefreshSecret: []byte(app.cfg.RefreshSecret),
		Issuer:        app.cfg.Issuer,
		Audience:      app.cfg.Audience,
		AccessTTL:     app.cfg.AccessTTL,
		RefreshTTL:    app.cfg.RefreshTTL,
	}
	if err := codec.Validate(); err != nil {
		return err
	}

	secrets, err := cryptox.LoadSecretBox(app.cfg.MasterKeyFile)
	if err != nil {
		return err
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.mfa = &service.MFAGate{
		Accounts: app.db.Accounts(),
		Consumed: app.codes,
		Issuer:   app.cfg.Issuer,
		Enforce:  app.cfg.MFAEnforce,
		Skew:     app.cfg.MFASkew,
		Secrets:  secrets,
	}

	app.auth = &service.AuthService{
		Store:           app.db,
		Hasher:          hasher,
		Pool:            cryptox.NewPool(app.cfg.HashWorkers),
		Codec:           codec,
		Sessions:        service.NewSessionRegistry(app.db.Sessions(), nil).WithMaxAge(app.cfg.SessionMaxAge),
		MFA:             app.mfa,
		Metrics:         service.NewMetrics(app.registry),
		ReuseRevokesAll: app.cfg.ReuseRevokesAll,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db.Sessions(),
		app.codes,
		app.logger,
		app.cfg.HousekeepingInterval,
	)

	if app.cfg.MFAEnforce {
		app.logger.Info("second factor enforced for every account")
	}
	if secrets == nil {
		app.logger.Warn("AUTH_MASTER_KEY_FILE not set, TOTP secrets are stored unsealed")
	}
	return nil
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	checks := map[string]authhttp.Check{"database": app.db.Ping}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		}
	}

	router := authhttp.NewRouter(authhttp.Options{
		Auth:         app.auth,
		MFA:          app.mfa,
		Checks:       checks,
		Gatherer:     app.registry,
		Limits:       app.cfg.Limits(),
		BuildVersion: BuildVersion,
		Logger:       app.logger,
	})
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// OpenStore connects to the configured database without migrating it.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		db  *sqlstore.Store
		err error
	)

	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = postgres.NewStore(ctx, cfg.DatabaseURL, postgres.Options{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
	case "sqlite":
		db, err = sqlite.NewStore(fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DatabaseURL))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}
