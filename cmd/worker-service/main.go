package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/vidflow/internal/bootstrap"
	"github.com/cuongbtq/vidflow/internal/config"
	"github.com/cuongbtq/vidflow/internal/encoder"
	"github.com/cuongbtq/vidflow/internal/events"
	"github.com/cuongbtq/vidflow/internal/objectstore"
	"github.com/cuongbtq/vidflow/internal/reconciler"
	"github.com/cuongbtq/vidflow/internal/storage"
	"github.com/cuongbtq/vidflow/internal/worker"
	"github.com/cuongbtq/vidflow/internal/worker/attempts"
	"github.com/cuongbtq/vidflow/internal/worker/journal"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	id := workerID(cfg.Worker)
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("topology", cfg.App.Topology),
		slog.String("worker_id", id),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := bootstrap.NewPostgreSQL(ctx, &cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	objects, err := objectstore.New(ctx, cfg.ObjectStore, appLogger.Component("objectstore"))
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	if closer, ok := objects.(io.Closer); ok {
		defer closer.Close()
	}

	resolutions, err := cfg.Pipeline.ResolutionTable()
	if err != nil {
		return err
	}

	var ledger attempts.Ledger = attempts.MessageLedger{}
	if cfg.Redis.Enabled {
		redisClient, err := bootstrap.NewRedis(&cfg.Redis, appLogger.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		ledger = attempts.NewRedisLedger(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.AttemptTTL)
	}

	var failures worker.FailureJournal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		failures = j
		appLogger.Info("Failure journal opened", slog.String("path", cfg.Journal.Path))
	}

	publisher := events.New(cfg.Kafka, appLogger.Component("events"))
	defer publisher.Close()

	var videoService reconciler.Notifier
	if cfg.App.IsSplit() {
		client, err := bootstrap.NewNotifierClient(&cfg.Notifier, appLogger.Component("notifier"))
		if err != nil {
			return fmt.Errorf("failed to initialize video service client: %w", err)
		}
		defer client.Close()
		videoService = client
	}

	rec := reconciler.New(&reconciler.Config{
		Logger:         appLogger.Component("reconciler"),
		Store:          storage.NewPostgresStore(dbClient.GetDB(), appLogger.Component("storage")),
		Events:         publisher,
		Notifier:       videoService,
		StuckAfter:     cfg.Reconciler.StuckAfter,
		SweepBatchSize: cfg.Reconciler.SweepBatchSize,
	})
	sweeper := reconciler.NewSweeper(rec, cfg.Reconciler.SweepInterval, appLogger.Component("sweeper"))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Broker:            rabbitClient,
		Objects:           objects,
		Encoder:           encoder.New(cfg.Encoder, appLogger.Component("encoder")),
		Resolutions:       resolutions,
		Ledger:            ledger,
		Completions:       rec,
		Journal:           failures,
		WorkerID:          id,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RetryBaseDelay:    cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:     cfg.Worker.RetryMaxDelay,
		ScratchDir:        cfg.Worker.ScratchDir,
	})

	go sweeper.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	cancel()

	if workerInstance.Wait(cfg.Worker.ShutdownTimeout) {
		appLogger.Info("Worker stopped gracefully")
	} else {
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// workerID defaults to the hostname so a restarted worker reclaims its own
// scratch root
func workerID(cfg config.WorkerConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}
