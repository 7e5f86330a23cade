package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/api/handler"
	"github.com/cuongbtq/lumi-dubbing/internal/config"
	"github.com/cuongbtq/lumi-dubbing/internal/queue"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/cuongbtq/lumi-dubbing/shared/postgresql"
	"github.com/cuongbtq/lumi-dubbing/shared/rabbitmq"
	"github.com/cuongbtq/lumi-dubbing/shared/redis"
)

// Broker is a task queue backend both services can use
type Broker interface {
	queue.Publisher
	queue.Consumer
}

// Backends holds the connected status store and broker of one service
type Backends struct {
	Store  status.Store
	Broker Broker
	// HealthChecks has one probe per connected backend, keyed by name
	HealthChecks map[string]handler.HealthCheck

	closers []func() error
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// Connect opens the configured status store and broker.
// On error everything opened so far is closed again.
func Connect(cfg *config.Config, logger *slog.Logger) (_ *Backends, err error) {
	b := &Backends{HealthChecks: make(map[string]handler.HealthCheck)}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var redisClient *redis.Client
	needRedis := cfg.Status.Backend == config.BackendRedis || cfg.Broker.Backend == config.BackendAsynq
	if needRedis {
		redisClient, err = initRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		b.closers = append(b.closers, redisClient.Close)
		b.HealthChecks["redis"] = redisClient.HealthCheck
		logger.Info("Redis connection established")
	}

	// Status store
	var store status.Store
	switch cfg.Status.Backend {
	case config.BackendPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		b.closers = append(b.closers, dbClient.Close)
		b.HealthChecks["database"] = dbClient.HealthCheck
		store = status.NewSQLStore(dbClient.GetDB(), logger)
		logger.Info("Database connection established")
	case config.BackendRedis:
		store = status.NewRedisStore(redisClient.GetRedis(), cfg.Redis.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown status backend: %q", cfg.Status.Backend)
	}

	if cfg.Status.CacheSize > 0 {
		cached, err := status.NewCachedStore(store, cfg.Status.CacheSize)
		if err != nil {
			return nil, err
		}
		store = cached
	}
	b.Store = store

	// Broker
	switch cfg.Broker.Backend {
	case config.BackendRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		b.closers = append(b.closers, rabbitClient.Close)
		b.HealthChecks["rabbitmq"] = rabbitClient.HealthCheck
		b.Broker = queue.NewRabbitMQ(rabbitClient, cfg.RabbitMQ.Consumer.PrefetchCount, cfg.RabbitMQ.Consumer.Exclusive, logger)
		logger.Info("RabbitMQ connection established")
	case config.BackendAsynq:
		broker := queue.NewAsynq(redisClient.AsynqOpt(), AsynqConfig(cfg), logger)
		b.closers = append(b.closers, broker.Close)
		b.Broker = broker
	default:
		return nil, fmt.Errorf("unknown broker backend: %q", cfg.Broker.Backend)
	}

	return b, nil
}

// AsynqConfig derives the asynq settings from the worker limits.
// A task must outlive the hard timeout plus the kill grace, or asynq would
// hand a still running job to another worker.
func AsynqConfig(cfg *config.Config) queue.AsynqConfig {
	killWindow := cfg.Worker.ShutdownTimeout + cfg.Worker.KillGrace
	return queue.AsynqConfig{
		Queue: cfg.Broker.AsynqQueue,
		// One more delivery than the policy allows so the worker sees the excess and fails the task
		MaxRetry:        cfg.Broker.Redeliveries() + 1,
		TaskTimeout:     cfg.Worker.HardTimeout + killWindow + time.Minute,
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: killWindow + 5*time.Second,
	}
}

// Close releases every backend in reverse order of opening
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
