package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/custody/internal/config"
	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/compliance"
	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/domain/registry"
	"github.com/ehr/custody/internal/domain/tracking"
	"github.com/ehr/custody/internal/platform/auth"
	"github.com/ehr/custody/internal/platform/db"
	"github.com/ehr/custody/internal/platform/metrics"
	"github.com/ehr/custody/internal/platform/middleware"
	"github.com/ehr/custody/internal/platform/stream"
	"github.com/ehr/custody/internal/platform/webhook"
)

// authIdentity adapts the request identity set by the auth middleware to
// custody.IdentityProvider.
type authIdentity struct{}

func (authIdentity) CurrentActor(ctx context.Context) (custody.Actor, error) {
	id := auth.UserIDFromContext(ctx)
	if id == "" {
		return custody.Actor{}, errors.New("no authenticated user on context")
	}
	return custody.Actor{
		ID:          id,
		DisplayName: auth.NameFromContext(ctx),
		Role:        auth.PrimaryRole(ctx),
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "custody-server",
		Short: "Specimen chain-of-custody and compliance audit server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(registryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the custody API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// app holds the wired components shared by serve and report.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	pool       *pgxpool.Pool
	rdb        *redis.Client
	registry   *registry.Registry
	reqs       []compliance.Requirement
	store      custody.ResourceStore
	recorder   *custody.Recorder
	tracker    *tracking.Tracker
	hub        *stream.Hub
	relay      *stream.RedisRelay
	reports    compliance.ReportRepository
	aggregator *compliance.Aggregator
	webhooks   *webhook.Dispatcher
}

// loadCatalog reads locations, stations and requirements from the registry
// file, or falls back to the built-in catalog.
func loadCatalog(path string) (*registry.Registry, []compliance.Requirement, error) {
	if path == "" {
		return registry.Default(), compliance.DefaultRequirements(), nil
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	reqs, err := compliance.LoadRequirementsFile(path)
	if err != nil {
		return nil, nil, err
	}
	if err := compliance.ValidateCatalog(reqs); err != nil {
		return nil, nil, err
	}
	return reg, reqs, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	reg, reqs, err := loadCatalog(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	a.registry, a.reqs = reg, reqs

	trailPolicy := audittrail.Policy{
		GapThreshold:          cfg.GapThreshold,
		HighSeverityGap:       cfg.HighSeverityGap,
		MalformedEventPenalty: cfg.MalformedEventPenalty,
	}
	if err := trailPolicy.Validate(); err != nil {
		return nil, err
	}
	verdictPolicy := compliance.Policy{MaxHighViolations: cfg.MaxHighViolations}
	if err := verdictPolicy.Validate(); err != nil {
		return nil, err
	}

	var (
		store       custody.ResourceStore
		resolutions compliance.ResolutionStore
	)
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("DATABASE_URL not set, custody data is kept in memory and lost on restart")
		store = custody.NewMemoryStore()
		resolutions = compliance.NewMemoryResolutionStore()
		a.reports = compliance.NewMemoryReportRepo()
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		store = custody.NewStorePG(pool)
		resolutions = compliance.NewResolutionRepoPG(pool)
		a.reports = compliance.NewReportRepoPG(pool)
		logger.Info().Msg("connected to database")
	}
	a.store = store

	a.hub = stream.NewHub(cfg.StreamBuffer, logger, a.metrics)
	var publisher tracking.Publisher = a.hub
	if cfg.RedisURL != "" {
		rdb, err := stream.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.rdb = rdb
		a.relay = stream.NewRedisRelay(a.hub, rdb, stream.DefaultRelayChannel, logger)
		publisher = a.relay
		logger.Info().Msg("stream relay enabled")
	}

	a.webhooks = webhook.NewDispatcher(webhook.NewMemoryStore(), logger, a.metrics)

	locks := custody.NewKeyedMutex()
	evaluator := compliance.NewEvaluator(verdictPolicy, reg)
	identity := authIdentity{}

	a.recorder = custody.NewRecorder(store, reg, identity, locks, custody.NewReconciliationLog(), logger, a.metrics)
	a.tracker = tracking.NewTracker(tracking.Deps{
		Builder:      audittrail.NewBuilder(store, trailPolicy),
		Cache:        audittrail.NewCache(),
		Evaluator:    evaluator,
		Requirements: reqs,
		Resolutions:  resolutions,
		Specimens:    store,
		Locks:        locks,
		Identity:     identity,
		Publisher:    publisher,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	a.recorder.SetObserver(a.tracker)

	a.aggregator = compliance.NewAggregator(compliance.AggregatorDeps{
		Events:       store,
		Specimens:    store,
		Evaluator:    evaluator,
		TrailPolicy:  trailPolicy,
		Requirements: reqs,
		Resolutions:  resolutions,
		Reports:      a.reports,
		Identity:     identity,
		Concurrency:  cfg.ReportConcurrency,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
	}
	if a.rdb != nil {
		rdb := a.rdb
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/ready", db.HealthHandler(a.healthChecks()...))
	if a.pool != nil {
		e.GET("/health/db", db.PoolStatsHandler(a.pool))
	}
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	var authMW echo.MiddlewareFunc
	if a.cfg.AuthSigningKey != "" {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		})
	} else {
		a.logger.Warn().Msg("AUTH_SIGNING_KEY not set, every request runs as the development admin")
		authMW = auth.DevAuthMiddleware()
	}
	apiV1 := e.Group("/api/v1", authMW)

	registry.NewHandler(a.registry).RegisterRoutes(apiV1)
	custody.NewHandler(a.recorder, a.logger).RegisterRoutes(apiV1)
	tracking.NewHandler(a.tracker, a.logger).RegisterRoutes(apiV1)
	compliance.NewHandler(a.aggregator, a.reports, a.reqs, a.cfg.ReportTimeout, a.logger).RegisterRoutes(apiV1)
	stream.NewWebSocketHandler(a.hub, a.logger).RegisterRoutes(apiV1)
	webhook.NewHandler(a.webhooks).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	if a.relay != nil {
		go func() {
			if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("stream relay stopped")
			}
		}()
		sub := a.hub.Subscribe()
		defer sub.Close()
		go a.tracker.InvalidateRemote(ctx, sub)
	}

	hooks := a.hub.Subscribe()
	defer hooks.Close()
	go a.webhooks.Run(ctx, hooks)

	e := a.newServer()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
