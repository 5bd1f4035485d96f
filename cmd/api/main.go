package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-voice-booking/cmd/mainconfig"
	"github.com/wolfman30/clinic-voice-booking/internal/api/router"
	"github.com/wolfman30/clinic-voice-booking/internal/app/bootstrap"
	"github.com/wolfman30/clinic-voice-booking/internal/compliance"
	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/events"
	"github.com/wolfman30/clinic-voice-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-voice-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-voice-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Default().Warn("failed to load .env", "error", err)
	}
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic voice booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"session_backend", cfg.SessionBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg := loadAWSConfig(ctx, cfg, logger)

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	var db *sql.DB
	if pool != nil {
		defer pool.Close()
		db = stdlib.OpenDBFromPool(pool)
		defer func() { _ = db.Close() }()
	}

	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	store, err := bootstrap.BuildSessionStore(cfg, rdb, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build session store", "error", err)
		os.Exit(1)
	}

	metricsHandler, webhookMetrics, dialogueMetrics := setupMetrics()

	rt, err := bootstrap.BuildEngine(ctx, bootstrap.EngineDeps{
		Config:  cfg,
		Store:   store,
		DB:      db,
		AWS:     awsCfg,
		Metrics: dialogueMetrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build dialogue engine", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	processed := processedTrackerFor(pool)
	twilioToken := ""
	if cfg.TwilioValidateSignature {
		twilioToken = cfg.TwilioAuthToken
	}
	routerCfg := &router.Config{
		Logger: logger,
		TwilioVoice: handlers.NewTwilioVoiceHandler(handlers.TwilioVoiceConfig{
			Engine:        rt.Engine,
			Processed:     processed,
			AuthToken:     twilioToken,
			PublicBaseURL: cfg.PublicBaseURL,
			Metrics:       webhookMetrics,
			Logger:        logger,
		}),
		TelnyxVoice: handlers.NewVoiceAIHandler(handlers.VoiceAIHandlerConfig{
			Engine:      rt.Engine,
			Processed:   processed,
			AssistantID: cfg.TelnyxAssistantID,
			Metrics:     webhookMetrics,
			Logger:      logger,
		}),
		WebhookLimiter:     httpmiddleware.NewRateLimiter(ctx, cfg.WebhookRateLimit, cfg.WebhookRateBurst),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Readiness:          readinessChecks(pool, rdb),
	}
	if cfg.AdminJWTSecret != "" {
		admin := handlers.NewAdminCallsHandler(rt.Engine, logger)
		if db != nil {
			admin.WithAuditor(compliance.NewAuditService(db))
		}
		routerCfg.AdminCalls = admin
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set; admin routes disabled")
	}

	if pool != nil {
		go purgeProcessedEvents(ctx, events.NewProcessedStore(pool), cfg.ProcessedEventRetention, time.Hour, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return
	}
	logger.Info("server stopped")
}

// loadAWSConfig returns nil when no AWS region is configured so AWS-backed
// components stay disabled in local runs.
func loadAWSConfig(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *aws.Config {
	if strings.TrimSpace(cfg.AWSRegion) == "" {
		return nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	return &awsCfg
}

func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Warn("DATABASE_URL not set; webhook dedupe and the outcome ledger are disabled")
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	return pool
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// processedTrackerFor returns a nil interface, not a typed nil, without a pool.
func processedTrackerFor(pool *pgxpool.Pool) processedTracker {
	if pool == nil {
		return nil
	}
	return events.NewProcessedStore(pool)
}

func setupMetrics() (http.Handler, *metrics.WebhookMetrics, *metrics.DialogueMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return handler, metrics.NewWebhookMetrics(reg), metrics.NewDialogueMetrics(reg)
}

func readinessChecks(pool *pgxpool.Pool, rdb *redis.Client) map[string]router.ReadinessCheck {
	checks := map[string]router.ReadinessCheck{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return checks
}

type processedPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func purgeProcessedEvents(ctx context.Context, store processedPurger, retention, every time.Duration, logger *logging.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("processed event purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged processed events", "count", n)
			}
		}
	}
}
