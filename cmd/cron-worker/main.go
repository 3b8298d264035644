package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/internal/cron"
	"github.com/angelmondragon/propwatch-backend/internal/enrichment"
	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/internal/progress"
	"github.com/angelmondragon/propwatch-backend/internal/properties"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/migrate"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/redis"
	"github.com/angelmondragon/propwatch-backend/pkg/skiptrace"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

const lockKeyFormat = "pw:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	jobs, err := buildJobs(context.Background(), cfg, logg, dbClient, redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(jobs...)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        len(jobs),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildJobs wires the maintenance jobs: outbox retention, stalled ingestion
// jobs and orphaned enrichment runs.
func buildJobs(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) ([]cron.Job, error) {
	conn := dbClient.DB()
	outboxRepo := outbox.NewRepository(conn)
	eventsSvc, err := jobevents.NewService(jobevents.NewRepository(conn), outbox.NewService(outboxRepo, logg))
	if err != nil {
		return nil, err
	}

	blobs, _, err := storage.FromConfig(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}
	runner, err := ingestion.NewRunner(ingestion.RunnerParams{
		Tx:       dbClient,
		Repo:     ingestion.NewRepository(conn),
		Events:   eventsSvc,
		Blobs:    blobs,
		Detector: location.NewDetector(location.NewDefaultValidator()),
		Notifier: progress.NewPublisher(redisClient, logg),
		Metrics:  metrics.NewIngestionMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
		Config:   cfg.Ingestion,
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion runner: %w", err)
	}

	ledgerSvc, err := ledger.NewService(dbClient, ledger.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	consentSvc, err := consent.NewService(conn, cfg.Consent.Pepper)
	if err != nil {
		return nil, err
	}
	vendor, err := skiptrace.NewClient(cfg.SkipTrace.BaseURL, cfg.SkipTrace.APIKey)
	if err != nil {
		return nil, err
	}
	manager, err := enrichment.NewManager(enrichment.ManagerParams{
		Tx:         dbClient,
		Repo:       enrichment.NewRepository(conn),
		Ledger:     ledgerSvc,
		Consent:    consentSvc,
		Events:     eventsSvc,
		Properties: properties.NewRepository(conn),
		Vendor:     vendor,
		Locker:     redisClient,
		Metrics:    metrics.NewEnrichmentMetrics(prometheus.DefaultRegisterer),
		Logger:     logg,
		Config:     cfg.Enrichment,
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment manager: %w", err)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:       logg,
		DB:           dbClient,
		Repository:   outboxRepo,
		Retention:    cfg.Outbox.RetentionDays,
		DeadLetters:  outbox.NewDLQRepository(conn),
		DLQRetention: cfg.Outbox.DLQRetentionDays,
	})
	if err != nil {
		return nil, err
	}
	reaper, err := cron.NewStaleIngestionJob(cron.StaleIngestionJobParams{
		Logger:     logg,
		Reaper:     runner,
		StaleAfter: cfg.Ingestion.StaleAfter,
	})
	if err != nil {
		return nil, err
	}
	reconcile, err := cron.NewEnrichmentReconcileJob(cron.EnrichmentReconcileJobParams{
		Logger:     logg,
		Reconciler: manager,
		StaleAfter: cfg.Enrichment.StaleRunAfter,
	})
	if err != nil {
		return nil, err
	}
	return []cron.Job{retention, reaper, reconcile}, nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
