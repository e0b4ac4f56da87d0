package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/config"
	"github.com/casewyze/identity/pkg/httputil"
	"github.com/casewyze/identity/pkg/identity"
	"github.com/casewyze/identity/pkg/middleware"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
	"github.com/casewyze/identity/pkg/rolemap"
	"github.com/casewyze/identity/pkg/scim"
	"github.com/casewyze/identity/pkg/sso"
	"github.com/casewyze/identity/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (environment variables are the base)")
	skipMigrate := flag.Bool("skip-migrate", false, "skip running schema migrations on startup")
	flag.Parse()

	if err := run(*configPath, *skipMigrate); err != nil {
		fmt.Fprintf(os.Stderr, "identityd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, skipMigrate bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"port":        cfg.Server.Port,
		"health_port": cfg.Server.HealthPort,
		"base_url":    cfg.SSO.BaseURL,
	}).Info("starting identity service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if !skipMigrate {
		if err := storage.Migrate(db); err != nil {
			return err
		}
		logger.Info("schema migrations applied")
	}

	// Redis is optional; without it the replay guard degrades to the
	// transport-state staleness window alone.
	var replayGuard sso.ReplayGuard = sso.NopReplayGuard{}
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		replayGuard = sso.NewRedisReplayGuard(redisClient, cfg.SSO.StateTTL)
		logger.Info("transport-state replay guard enabled")
	} else {
		logger.Warn("redis not configured, transport-state replay protection limited to the staleness window")
	}

	metrics := observability.NewMetrics()
	auditLogger := audit.NewDBLogger(db)
	defer auditLogger.Close()

	orgStore := orgs.NewStore(db)
	roleStore := rolemap.NewStore(db)
	provlog := audit.NewProvisioningStore(db)
	reconciler := identity.NewReconciler(db, orgStore, auditLogger, logger)
	links := identity.NewMagicLinkStore(db, cfg.SSO.MagicLinkTTL)

	oidcAdapter, err := sso.NewOIDCAdapter(metrics, logger)
	if err != nil {
		return err
	}
	samlAdapter := sso.NewSAMLAdapter(logger)

	ssoHandler := sso.NewHandler(
		sso.HandlerConfig{
			BaseURL:         cfg.SSO.BaseURL,
			StateTTL:        cfg.SSO.StateTTL,
			DefaultRedirect: cfg.SSO.DefaultRedirect,
		},
		orgStore, roleStore, oidcAdapter, samlAdapter,
		reconciler, links, replayGuard, auditLogger, metrics, logger,
	)
	scimHandler := scim.NewHandler(orgStore, roleStore, reconciler, provlog, auditLogger, metrics, logger)

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	if cfg.Observability.MetricsEnabled {
		router.Use(middleware.Metrics(metrics))
	}
	ssoHandler.RegisterRoutes(router)
	scimHandler.RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux(db, redisClient, metrics, auditLogger, provlog, cfg.Observability.MetricsEnabled),
	}

	// Expired login tokens and stale audit rows are garbage; sweep them
	// on a schedule
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() {
		removed, err := links.CleanupExpired(context.Background())
		if err != nil {
			logger.WithError(err).Warn("login token cleanup failed")
			return
		}
		if removed > 0 {
			logger.WithField("removed", removed).Debug("cleaned up expired login tokens")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule token cleanup: %w", err)
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		pruned, err := auditLogger.PruneOlderThan(context.Background(), cfg.Observability.AuditRetention)
		if err != nil {
			logger.WithError(err).Warn("audit event pruning failed")
			return
		}
		if pruned > 0 {
			logger.WithField("pruned", pruned).Info("pruned old audit events")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule audit pruning: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown incomplete")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// healthMux serves probes, metrics, and the internal audit read endpoints
// on the operational port, away from the public surface
func healthMux(db *sql.DB, redisClient *redis.Client, metrics *observability.Metrics, auditLogger *audit.DBLogger, provlog *audit.ProvisioningStore, metricsEnabled bool) http.Handler {
	checks := map[string]observability.CheckFunc{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	health := observability.NewHealthHandler(checks)

	m := mux.NewRouter()
	m.HandleFunc("/healthz", health.Live).Methods(http.MethodGet)
	m.HandleFunc("/readyz", health.Ready).Methods(http.MethodGet)
	if metricsEnabled {
		m.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	m.HandleFunc("/internal/orgs/{orgID}/audit", func(w http.ResponseWriter, r *http.Request) {
		orgID, err := uuid.Parse(mux.Vars(r)["orgID"])
		if err != nil {
			httputil.WriteBadRequest(w, "invalid organization id")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := auditLogger.ListByOrg(r.Context(), orgID, limit)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, events)
	}).Methods(http.MethodGet)

	m.HandleFunc("/internal/orgs/{orgID}/provisioning", func(w http.ResponseWriter, r *http.Request) {
		orgID, err := uuid.Parse(mux.Vars(r)["orgID"])
		if err != nil {
			httputil.WriteBadRequest(w, "invalid organization id")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := provlog.ListByOrg(r.Context(), orgID, limit)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, entries)
	}).Methods(http.MethodGet)

	return m
}
