package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	ingestionworker "github.com/angelmondragon/propwatch-backend/internal/ingestion/worker"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/internal/progress"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/instance"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/migrate"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/propwatch-backend/pkg/pubsub"
	"github.com/angelmondragon/propwatch-backend/pkg/redis"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

const processedTTL = 72 * time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	blobs, _, err := storage.FromConfig(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap blob storage", err)
		os.Exit(1)
	}

	conn := dbClient.DB()
	eventsSvc, err := jobevents.NewService(jobevents.NewRepository(conn), outbox.NewService(outbox.NewRepository(conn), logg))
	if err != nil {
		logg.Error(context.Background(), "failed to create job event service", err)
		os.Exit(1)
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
		logg.Error(context.Background(), "failed to create ingestion runner", err)
		os.Exit(1)
	}

	processed, err := idempotency.NewManager(redisClient, processedTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}
	consumer, err := ingestionworker.NewService(pubsubClient.IngestionSubscription(), runner, processed, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create ingestion consumer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		PubSub:   pubsubClient,
		Consumer: consumer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID("worker-0"),
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
