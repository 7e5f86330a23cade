package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
	"github.com/cuongbtq/lumi-dubbing/internal/bootstrap"
	"github.com/cuongbtq/lumi-dubbing/internal/config"
	"github.com/cuongbtq/lumi-dubbing/internal/pipeline"
	"github.com/cuongbtq/lumi-dubbing/internal/worker"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// exitRecycle tells the process supervisor to start a fresh worker process
const exitRecycle = 75

var errRecycleExit = errors.New("worker recycled, exiting for replacement")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errRecycleExit) {
			log.Println(err)
			os.Exit(exitRecycle)
		}
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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
		InputDir:  cfg.Storage.InputDir,
		OutputDir: cfg.Storage.OutputDir,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Initialize executor around the pipeline program
	collaborator := pipeline.NewCommandCollaborator(pipeline.CommandConfig{
		Command:   cfg.Pipeline.Command,
		Args:      cfg.Pipeline.Args,
		WorkDir:   cfg.Pipeline.WorkDir,
		Env:       cfg.Pipeline.Env,
		KillGrace: cfg.Worker.KillGrace,
	}, appLogger.Logger)

	executor := worker.NewExecutor(collaborator, worker.ExecutorConfig{
		SoftTimeout: cfg.Worker.SoftTimeout,
		HardTimeout: cfg.Worker.HardTimeout,
		KillGrace:   cfg.Worker.KillGrace,
	}, appLogger.Logger)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	workerCfg := worker.Config{
		Logger:            appLogger.Logger,
		Consumer:          backends.Broker,
		Store:             backends.Store,
		Artifacts:         artifacts,
		Executor:          executor,
		Concurrency:       cfg.Worker.Concurrency,
		MaxJobs:           cfg.Worker.MaxJobs,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		RequeueDelay:      cfg.Worker.RequeueDelay,
		Redelivery: worker.RedeliveryPolicy{
			Enabled:         cfg.Broker.Redelivery == config.RedeliveryEnabled,
			MaxRedeliveries: cfg.Broker.Redeliveries(),
		},
	}

	// Stop consuming on interrupt; in-flight jobs get the shutdown timeout
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runWorkers(gctx, workerCfg, hostname, cfg.Worker.ExitOnRecycle, appLogger.Logger)
	})

	if cfg.Worker.Reaper.Enabled {
		reaper := worker.NewReaper(backends.Store, worker.ReaperConfig{
			Schedule:       cfg.Worker.Reaper.Schedule,
			HardTimeout:    cfg.Worker.HardTimeout,
			Grace:          cfg.Worker.Reaper.Grace,
			StaleAfter:     cfg.Worker.Reaper.StaleAfter,
			PendingTimeout: cfg.Worker.Reaper.PendingTimeout,
			BatchSize:      cfg.Worker.Reaper.BatchSize,
		}, appLogger.Logger)

		g.Go(func() error {
			return reaper.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Bool("reaper", cfg.Worker.Reaper.Enabled),
	)

	if err := g.Wait(); err != nil {
		if errors.Is(err, errRecycleExit) {
			appLogger.Info("Worker recycled, exiting for replacement")
		} else {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		}
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// runWorkers runs one worker after another. A worker that reached its job
// limit is replaced by a fresh one, or ends the process when exitOnRecycle is set.
func runWorkers(ctx context.Context, cfg worker.Config, hostname string, exitOnRecycle bool, logger *slog.Logger) error {
	for generation := 1; ; generation++ {
		cfg.WorkerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		w := worker.NewWorker(&cfg)

		err := w.Run(ctx)
		if !errors.Is(err, worker.ErrRecycle) {
			return err
		}

		logger.Info("Replacing recycled worker",
			slog.String("worker_id", w.ID()),
			slog.Int("generation", generation),
			slog.Int("executed", w.Executed()),
		)

		if exitOnRecycle {
			return errRecycleExit
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
