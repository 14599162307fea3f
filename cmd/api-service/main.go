package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/vidflow/internal/api/handler"
	"github.com/cuongbtq/vidflow/internal/api/router"
	"github.com/cuongbtq/vidflow/internal/bootstrap"
	"github.com/cuongbtq/vidflow/internal/objectstore"
	"github.com/cuongbtq/vidflow/internal/producer"
	"github.com/cuongbtq/vidflow/internal/storage"
	"github.com/cuongbtq/vidflow/shared/postgresql"
	"github.com/cuongbtq/vidflow/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("topology", cfg.App.Topology),
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

	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Component("storage"))

	var registrar producer.Registrar = producer.NewLocalRegistrar(store)
	if cfg.App.IsSplit() {
		videoService, err := bootstrap.NewNotifierClient(&cfg.Notifier, appLogger.Component("notifier"))
		if err != nil {
			return fmt.Errorf("failed to initialize video service client: %w", err)
		}
		defer videoService.Close()
		registrar = producer.NewRemoteRegistrar(videoService, store)
	}

	required, err := cfg.Pipeline.Required()
	if err != nil {
		return err
	}
	visibility, err := cfg.Pipeline.Visibility()
	if err != nil {
		return err
	}

	videoProducer := producer.New(&producer.Config{
		Logger:            appLogger.Component("producer"),
		Objects:           objects,
		Registrar:         registrar,
		Publisher:         rabbitClient,
		Required:          required,
		DefaultVisibility: visibility,
	})

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:              appLogger.Logger,
		Store:               store,
		Producer:            videoProducer,
		MaxUploadBytes:      cfg.Server.MaxUploadBytes,
		AllowedContentTypes: cfg.Server.AllowedContentTypes,
		Ready:               readiness(dbClient, rabbitClient),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Int64("max_upload_bytes", cfg.Server.MaxUploadBytes),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

func readiness(db *postgresql.Client, rabbit *rabbitmq.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
		if !rabbit.IsConnected() {
			return rabbitmq.ErrNotConnected
		}
		return nil
	}
}
