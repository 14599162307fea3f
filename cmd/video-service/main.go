package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuongbtq/vidflow/internal/bootstrap"
	"github.com/cuongbtq/vidflow/internal/events"
	"github.com/cuongbtq/vidflow/internal/notifier"
	"github.com/cuongbtq/vidflow/internal/reconciler"
	"github.com/cuongbtq/vidflow/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("VIDEO_SERVICE_CONFIG_PATH", "configs/video-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateVideoServiceConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting video service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	visibility, err := cfg.Pipeline.Visibility()
	if err != nil {
		return err
	}

	dbClient, err := bootstrap.NewPostgreSQL(context.Background(), &cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Component("storage"))

	// orphaned rows from a producer that died before writing its tracking row
	rec := reconciler.New(&reconciler.Config{
		Logger:         appLogger.Component("reconciler"),
		Store:          store,
		Events:         events.Noop{},
		StuckAfter:     cfg.Reconciler.StuckAfter,
		SweepBatchSize: cfg.Reconciler.SweepBatchSize,
	})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go reconciler.NewSweeper(rec, cfg.Reconciler.SweepInterval, appLogger.Component("sweeper")).Run(sweepCtx)

	srv := grpc.NewServer(grpc.UnaryInterceptor(notifier.LoggingInterceptor(appLogger.Component("grpc"))))
	notifier.RegisterVideoServiceServer(srv, notifier.NewServer(store, visibility, appLogger.Component("video-service")))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(notifier.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthServer)

	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Video service is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("gRPC server failed", slog.Any("error", err))
		return err
	}

	stopSweep()
	healthServer.Shutdown()

	timeout := cfg.GRPC.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		appLogger.Info("Server shutdown complete")
	case <-time.After(timeout):
		appLogger.Warn("Graceful stop timed out, forcing shutdown")
		srv.Stop()
	}
	return nil
}
