package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/lumi-dubbing/internal/api/handler"
	"github.com/cuongbtq/lumi-dubbing/internal/api/router"
	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
	"github.com/cuongbtq/lumi-dubbing/internal/bootstrap"
	"github.com/cuongbtq/lumi-dubbing/internal/config"
	"github.com/cuongbtq/lumi-dubbing/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.Broker.Backend),
		slog.String("status_store", cfg.Status.Backend),
	)

	// Connect status store and broker
	backends, err := bootstrap.Connect(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	// Initialize artifact store
	artifacts, err := artifact.NewStore(artifact.Config{
		InputDir:       cfg.Storage.InputDir,
		OutputDir:      cfg.Storage.OutputDir,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, backends, artifacts)

	// Create HTTP server
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
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, backends *bootstrap.Backends, artifacts *artifact.Store) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:            logger,
		Queue:             queue.NewQueue(backends.Broker, backends.Store, logger),
		Store:             backends.Store,
		Artifacts:         artifacts,
		Defaults:          cfg.Pipeline.Defaults,
		AllowedMediaTypes: cfg.Storage.AllowedMediaTypes,
		MaxUploadBytes:    cfg.Storage.MaxUploadBytes,
		PublicDownloadURL: cfg.Server.PublicDownloadURL,
		ServiceName:       cfg.App.Name,
		HealthChecks:      backends.HealthChecks,
	}

	// Setup router
	return router.SetupRouter(handlerDeps, router.Config{
		SubmitRatePerSec: cfg.Server.SubmitRatePerSec,
		SubmitBurst:      cfg.Server.SubmitBurst,
	})
}
