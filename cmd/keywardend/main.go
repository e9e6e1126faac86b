// keywardend is the SSO federation daemon. It terminates the two-stage
// OAuth2/OIDC login protocol, guards it with single-use state rows and
// handoff tokens, and manages the draft/active lifecycle of provider
// configurations.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/federation"
	"github.com/keywarden/keywarden/pkg/handoff"
	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/jwks"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/settings"
	"github.com/keywarden/keywarden/pkg/ssokey"
	"github.com/keywarden/keywarden/pkg/ssostate"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "keywardend: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"addr":   cfg.Server.Host + ":" + cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("starting keywardend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	stores, err := buildStores(ctx, cfg, db)
	if err != nil {
		return err
	}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer redisClient.Close()
		stores.handoffs = handoff.NewRedisStore(redisClient, handoffTTLs(cfg))
		logger.Info("handoff tokens backed by redis")
	}

	watcher, err := config.NewWatcher(configPath, cfg)
	if err != nil {
		return err
	}

	idpClient := observability.InstrumentHTTPClient(&http.Client{Timeout: cfg.SSO.IdPTimeout})
	verifier := jwks.NewClient(idpClient, jwks.Options{
		CacheTTL:    cfg.SSO.JWKSCacheTTL,
		CacheSize:   cfg.SSO.JWKSCacheSize,
		Leeway:      cfg.SSO.JWTLeeway,
		CacheHits:   metrics.JWKSCacheHitsTotal,
		CacheMisses: metrics.JWKSCacheMissesTotal,
	})

	handler := federation.NewHandler(federation.HandlerDeps{
		Config:     cfg,
		Toggles:    watcher.Toggles,
		Settings:   stores.settings,
		States:     stores.states,
		Handoffs:   stores.handoffs,
		Keys:       stores.keys,
		Users:      stores.directory,
		Registrar:  &federation.RedirectRegistrar{BaseURL: cfg.Server.BaseURL + "/register"},
		Verifier:   verifier,
		HTTPClient: idpClient,
		Logger:     logger,
		Metrics:    metrics,
	})

	router := mux.NewRouter()
	handler.Register(router)
	var app http.Handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
	)(router)
	if cfg.Observability.OTelEnabled {
		app = otelhttp.NewHandler(app, "keywardend")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      app,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := buildHealthServer(cfg, db, redisClient, metrics)

	reaper, err := buildReaper(cfg, stores, logger, metrics)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("http server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		reportDBStats(gctx, db, metrics)
		return nil
	})
	g.Go(func() error {
		reaper.Start()
		<-gctx.Done()
		<-reaper.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http server shutdown failed")
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("keywardend stopped")
	return err
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

type appStores struct {
	settings  *settings.Store
	states    *ssostate.Store
	handoffs  handoff.Store
	sqlTokens *handoff.SQLStore
	keys      *ssokey.Store
	directory *federation.SQLDirectory
}

func buildStores(ctx context.Context, cfg *config.Config, db *sql.DB) (*appStores, error) {
	stores := &appStores{
		settings: settings.NewStore(db),
		states: ssostate.NewStore(db, ssostate.TTLs{
			Login:       cfg.SSO.LoginStateTTL,
			SetSettings: cfg.SSO.SettingsStateTTL,
			Recover:     cfg.SSO.RecoverStateTTL,
		}),
		sqlTokens: handoff.NewSQLStore(db, handoffTTLs(cfg)),
		keys:      ssokey.NewStore(db),
		directory: federation.NewSQLDirectory(db),
	}
	stores.handoffs = stores.sqlTokens

	for name, migrate := range map[string]func(context.Context) error{
		"sso_settings":       stores.settings.Migrate,
		"sso_states":         stores.states.Migrate,
		"sso_handoff_tokens": stores.sqlTokens.Migrate,
		"sso_keys":           stores.keys.Migrate,
		"users":              stores.directory.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return stores, nil
}

func handoffTTLs(cfg *config.Config) handoff.TTLs {
	return handoff.TTLs{
		GetKey:           cfg.SSO.GetKeyTokenTTL,
		ActivateSettings: cfg.SSO.ActivateTokenTTL,
		Recover:          cfg.SSO.RecoverTokenTTL,
	}
}

func buildHealthServer(cfg *config.Config, db *sql.DB, redisClient *redis.Client, metrics *observability.Metrics) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", checker.Liveness)
	healthMux.HandleFunc("/readyz", checker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
}

// buildReaper schedules the expired-row sweep. Expiry is enforced at read
// time either way; the sweep only keeps the tables from growing.
func buildReaper(cfg *config.Config, stores *appStores, logger *observability.Logger, metrics *observability.Metrics) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(cfg.SSO.ReaperSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		states, err := stores.states.DeleteExpired(ctx)
		if err != nil {
			logger.WithError(err).Warn("state reaper sweep failed")
		}
		tokens, err := stores.sqlTokens.DeleteExpired(ctx)
		if err != nil {
			logger.WithError(err).Warn("handoff reaper sweep failed")
		}
		if states > 0 || tokens > 0 {
			logger.WithFields(map[string]interface{}{
				"states": states,
				"tokens": tokens,
			}).Info("reaped expired rows")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reaper: %w", err)
	}
	return c, nil
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}
}
