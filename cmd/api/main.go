package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/eventchain"
	"github.com/BradenHooton/bastion/internal/events"
	"github.com/BradenHooton/bastion/internal/geoip"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/metrics"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/internal/store"
	"github.com/BradenHooton/bastion/migrations"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_backend", cfg.Redis.Backend),
	)

	ctx := context.Background()

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool, migrations.FS, logger); err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.New()
	keys := store.NewKeySpace("bastion")

	// Ephemeral state store behind a timeout and circuit breaker
	var (
		backend     store.Store
		redisClient *redis.Client
	)
	switch cfg.Redis.Backend {
	case "memory":
		logger.Warn("using in-memory ephemeral store; state is lost on restart and not shared between instances")
		backend = store.NewMemoryStore()
	default:
		redisClient, err = store.NewRedisClient(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()
		backend = store.NewRedisStore(redisClient)
	}
	st := store.NewGuarded(backend, store.GuardConfig{
		Name:          "ephemeral-store",
		CallTimeout:   cfg.Redis.CallTimeout,
		MaxFailures:   cfg.Redis.BreakerTrips,
		ResetTimeout:  cfg.Redis.BreakerReset,
		OnStateChange: m.ObserveBreaker,
	})

	var sessionStore services.SessionStore = noSessions{}
	if redisClient != nil {
		sessionStore = repositories.NewRedisSessionStore(redisClient, keys, st)
	}

	// Optional collaborators
	var geo services.GeoResolver = geoip.Noop{}
	if cfg.GeoIP.DatabasePath != "" {
		resolver, err := geoip.Open(cfg.GeoIP.DatabasePath)
		if err != nil {
			logger.Warn("geoip disabled", slog.Any("error", err))
		} else {
			defer resolver.Close()
			geo = resolver
		}
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("event publishing disabled", slog.Any("error", err))
		} else {
			defer natsPublisher.Close()
			publisher = natsPublisher
		}
	}

	var alerter services.Alerter
	if cfg.Alert.Enabled {
		sesAlerter, err := services.NewSESAlerter(ctx, cfg.Alert.Region, cfg.Alert.Sender, cfg.Alert.Recipients, logger)
		if err != nil {
			logger.Error("failed to initialize alert email", slog.Any("error", err))
			os.Exit(1)
		}
		alerter = sesAlerter
	}

	var (
		spool       services.LedgerSpool
		ledgerSpool *repositories.LedgerSpool
	)
	if cfg.Spool.Path != "" {
		ledgerSpool, err = repositories.OpenLedgerSpool(cfg.Spool.Path)
		if err != nil {
			logger.Warn("ledger spool disabled", slog.Any("error", err))
		} else {
			defer ledgerSpool.Close()
			spool = ledgerSpool
		}
	}

	// Initialize repositories
	sealer := eventchain.NewSealer(cfg.Security.EventChainKey)
	ledgerRepo := repositories.NewAttemptLedgerRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db, sealer)

	// Initialize services
	auditLogger := pkglogger.NewAuditLogger(logger, cfg.Server.Env)
	sink := services.NewSecurityEventSink(eventRepo, sealer, publisher, alerter, m, logger)
	attempts := services.NewAttemptService(ledgerRepo, spool, geo, sink, auditLogger, m, logger)

	tracker := services.NewIPTracker(st, keys, ledgerRepo, sink, services.IPTrackerConfig{
		ConsecutiveFailures: cfg.Security.ConsecutiveFailures,
		HourlyFailures:      cfg.Security.HourlyFailures,
		ScanLimit:           cfg.Security.LedgerScanLimit,
		AttemptWindow:       cfg.Security.AttemptWindow,
		FlagDuration:        cfg.Security.IPFlagDuration,
	}, m, logger)

	guard := services.NewBruteForceGuard(st, keys, sink, services.GuardConfig{
		MaxAttempts:     cfg.Security.MaxFailedAttempts,
		LockoutDuration: cfg.Security.LockoutDuration,
	}, m, logger)

	detector := services.NewSuspiciousActivityDetector(ledgerRepo, sink, services.DetectorConfig{
		MultiFailureThreshold:   cfg.Security.MultiFailureThreshold,
		MultiFailureWindow:      cfg.Security.MultiFailureWindow,
		BulkExportThreshold:     cfg.Security.BulkExportThreshold,
		BulkExportWindow:        cfg.Security.BulkExportWindow,
		APIVolumeThreshold:      cfg.Security.APIVolumeThreshold,
		APIActivityWindow:       cfg.Security.APIActivityWindow,
		APIFailureRateThreshold: cfg.Security.APIFailureRateThreshold,
	}, m, logger)

	sessions := services.NewSessionMonitor(sessionStore, ledgerRepo, sink, services.SessionMonitorConfig{
		HijackMinSessions:  cfg.Security.HijackMinSessions,
		HijackMinAddresses: cfg.Security.HijackMinAddresses,
		HijackLookback:     cfg.Security.HijackLookback,
	}, m, logger)

	core := services.NewSecurityCore(attempts, tracker, guard, m, logger)
	dashboard := services.NewDashboardService(ledgerRepo, sink, tracker, logger)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid TRUSTED_PROXIES", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(core, detector, ipConfig, logger)
	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Dashboard: dashboard,
		IPs:       tracker,
		Lockouts:  guard,
		Sessions:  sessions,
		Detector:  detector,
		Chain:     sink,
		Events:    sink,
		Audit:     auditLogger,
	})

	// Maintenance worker
	worker := background.NewWorker(tracker, attempts, ledgerRepo, background.WorkerConfig{
		Interval:    cfg.Security.CleanupInterval,
		Retention:   cfg.Security.LedgerRetention,
		ReplayBatch: cfg.Security.SpoolReplay,
	}, logger)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, adminHandler, tokenManager, core, ipConfig, logger)

	router.Handle("/metrics", m.Handler())

	// Health check with database and ephemeral store
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]any{"status": "healthy", "database": "up", "store": "up"}
		code := http.StatusOK

		if err := db.HealthCheck(ctx); err != nil {
			status["status"] = "unhealthy"
			status["database"] = "down"
			code = http.StatusServiceUnavailable
		}
		// The core fails open, so a down store degrades rather than fails the service
		if err := st.Ping(ctx); err != nil {
			status["store"] = "down"
			if code == http.StatusOK {
				status["status"] = "degraded"
			}
		}
		if ledgerSpool != nil {
			queued, qErr := ledgerSpool.Len(ctx)
			dead, dErr := ledgerSpool.DeadLen(ctx)
			if qErr == nil && dErr == nil {
				status["spool"] = map[string]int{"queued": queued, "dead": dead}
			}
		}

		pkghttp.WriteJSON(w, code, status)
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start maintenance task
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.Start(workerCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	workerCancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// noSessions stands in for the session store when no Redis is configured
type noSessions struct{}

func (noSessions) ListByAccount(context.Context, string) ([]models.SessionRecord, error) {
	return []models.SessionRecord{}, nil
}

func (noSessions) Delete(context.Context, string, string) (int, error) { return 0, nil }
func (noSessions) DeleteAll(context.Context, string) (int, error)      { return 0, nil }
