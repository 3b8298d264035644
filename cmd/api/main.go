package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/propwatch-backend/api/controllers"
	"github.com/angelmondragon/propwatch-backend/api/routes"
	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/internal/enrichment"
	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/internal/progress"
	"github.com/angelmondragon/propwatch-backend/internal/properties"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/instance"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/migrate"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/redis"
	"github.com/angelmondragon/propwatch-backend/pkg/skiptrace"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	blobs, gcsClient, err := storage.FromConfig(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap blob storage", err)
		os.Exit(1)
	}

	conn := dbClient.DB()
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), logg)
	eventsSvc, err := jobevents.NewService(jobevents.NewRepository(conn), outboxSvc)
	if err != nil {
		logg.Error(ctx, "failed to create job event service", err)
		os.Exit(1)
	}

	ingestionRepo := ingestion.NewRepository(conn)
	ingestionSvc, err := ingestion.NewService(ingestion.ServiceParams{
		Tx:     dbClient,
		Repo:   ingestionRepo,
		Events: eventsSvc,
		Outbox: outboxSvc,
		Blobs:  blobs,
	})
	if err != nil {
		logg.Error(ctx, "failed to create ingestion service", err)
		os.Exit(1)
	}
	orchestrator, err := ingestion.NewOrchestrator(ingestion.OrchestratorParams{
		Service:           ingestionSvc,
		Blobs:             blobs,
		Splitter:          location.NewSplitter(location.NewDetector(location.NewDefaultValidator())),
		Logger:            logg,
		Width:             cfg.Ingestion.OrchestratorWidth,
		InterBatchDelay:   cfg.Ingestion.InterBatchDelay,
		NoInterBatchDelay: cfg.Ingestion.NoInterBatchDelay,
	})
	if err != nil {
		logg.Error(ctx, "failed to create ingestion orchestrator", err)
		os.Exit(1)
	}
	aggregator, err := ingestion.NewAggregator(ingestionRepo)
	if err != nil {
		logg.Error(ctx, "failed to create progress aggregator", err)
		os.Exit(1)
	}
	observer, err := progress.NewObserver(aggregator, redisClient, logg, cfg.Ingestion.ProgressPollInterval)
	if err != nil {
		logg.Error(ctx, "failed to create progress observer", err)
		os.Exit(1)
	}

	ledgerSvc, err := ledger.NewService(dbClient, ledger.NewRepository(conn))
	if err != nil {
		logg.Error(ctx, "failed to create ledger service", err)
		os.Exit(1)
	}
	consentSvc, err := consent.NewService(conn, cfg.Consent.Pepper)
	if err != nil {
		logg.Error(ctx, "failed to create consent service", err)
		os.Exit(1)
	}
	propertyRepo := properties.NewRepository(conn)
	propertySvc, err := properties.NewService(propertyRepo)
	if err != nil {
		logg.Error(ctx, "failed to create property service", err)
		os.Exit(1)
	}

	vendor, err := skiptrace.NewClient(cfg.SkipTrace.BaseURL, cfg.SkipTrace.APIKey,
		skiptrace.WithRateLimit(cfg.SkipTrace.RequestsPerSec, cfg.SkipTrace.Burst))
	if err != nil {
		logg.Error(ctx, "failed to create skip trace client", err)
		os.Exit(1)
	}
	manager, err := enrichment.NewManager(enrichment.ManagerParams{
		Tx:         dbClient,
		Repo:       enrichment.NewRepository(conn),
		Ledger:     ledgerSvc,
		Consent:    consentSvc,
		Events:     eventsSvc,
		Properties: propertyRepo,
		Vendor:     vendor,
		Locker:     redisClient,
		Metrics:    metrics.NewEnrichmentMetrics(prometheus.DefaultRegisterer),
		Logger:     logg,
		Config:     cfg.Enrichment,
	})
	if err != nil {
		logg.Error(ctx, "failed to create enrichment manager", err)
		os.Exit(1)
	}

	ready := map[string]controllers.Pinger{"database": dbClient, "redis": redisClient}
	if gcsClient != nil {
		ready["gcs"] = gcsClient
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.ID("local"),
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			Ingestion:    ingestionSvc,
			Orchestrator: orchestrator,
			Aggregator:   aggregator,
			Observer:     observer,
			Enrichment:   manager,
			Events:       eventsSvc,
			Consent:      consentSvc,
			Ledger:       ledgerSvc,
			Properties:   propertySvc,
			Redis:        redisClient,
			Ready:        ready,
			HTTPMetrics:  metrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(logCtx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(logCtx, "api server shutdown failed", err)
	}
	// Runs interrupted here are closed out by the enrichment reconcile cron.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logg.Error(logCtx, "enrichment dispatch did not drain", err)
	}
	logg.Info(logCtx, "api server stopped")
}
