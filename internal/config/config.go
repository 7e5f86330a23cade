package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Backend names
const (
	BackendRabbitMQ = "rabbitmq"
	BackendAsynq    = "asynq"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Redelivery policies
const (
	RedeliveryDisabled = "disabled"
	RedeliveryEnabled  = "enabled"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Broker   BrokerConfig   `yaml:"broker"`
	Status   StatusConfig   `yaml:"status"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	SubmitRatePerSec  float64       `yaml:"submit_rate_per_sec"`
	SubmitBurst       int           `yaml:"submit_burst"`
	PublicDownloadURL string        `yaml:"public_download_url"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration shared by the asynq broker and the redis status store
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// BrokerConfig selects the task queue backend and its redelivery policy
type BrokerConfig struct {
	Backend    string `yaml:"backend"`
	Redelivery string `yaml:"redelivery"`
	// MaxRedeliveries is a pointer so an explicit 0 survives ApplyDefaults
	MaxRedeliveries *int   `yaml:"max_redeliveries"`
	AsynqQueue      string `yaml:"asynq_queue"`
}

// Redeliveries returns the configured redelivery bound, 1 when unset
func (b BrokerConfig) Redeliveries() int {
	if b.MaxRedeliveries == nil {
		return 1
	}
	return *b.MaxRedeliveries
}

// StatusConfig selects the status store backend
type StatusConfig struct {
	Backend   string `yaml:"backend"`
	CacheSize int    `yaml:"cache_size"`
}

// StorageConfig holds artifact store locations and upload limits
type StorageConfig struct {
	InputDir          string   `yaml:"input_dir"`
	OutputDir         string   `yaml:"output_dir"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedMediaTypes []string `yaml:"allowed_media_types"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	HardTimeout       time.Duration `yaml:"hard_timeout"`
	SoftTimeout       time.Duration `yaml:"soft_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RequeueDelay      time.Duration `yaml:"requeue_delay"`
	ExitOnRecycle     bool          `yaml:"exit_on_recycle"`
	Reaper            ReaperConfig  `yaml:"reaper"`
}

// ReaperConfig holds the supervisor that fails abandoned tasks
type ReaperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Grace      time.Duration `yaml:"grace"`
	// PendingTimeout fails tasks still PENDING after it; negative never does
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	BatchSize      int           `yaml:"batch_size"`
}

// PipelineConfig describes how the worker launches the dubbing pipeline
type PipelineConfig struct {
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args"`
	WorkDir  string        `yaml:"work_dir"`
	Env      []string      `yaml:"env"`
	Defaults domain.Params `yaml:"defaults"`
}

// DefaultMediaTypes is the accepted upload set (mp4, avi, mov, mkv)
var DefaultMediaTypes = []string{
	"video/mp4",
	"video/x-msvideo",
	"video/quicktime",
	"video/x-matroska",
}

// Load reads and parses the configuration file.
// ${VAR} references are expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Pipeline: PipelineConfig{Defaults: domain.DefaultParams()},
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset values with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Broker.Backend == "" {
		c.Broker.Backend = BackendRabbitMQ
	}
	if c.Broker.Redelivery == "" {
		c.Broker.Redelivery = RedeliveryDisabled
	}
	if c.Broker.MaxRedeliveries == nil {
		maxRedeliveries := 1
		c.Broker.MaxRedeliveries = &maxRedeliveries
	}
	if c.Broker.AsynqQueue == "" {
		c.Broker.AsynqQueue = "dubbing"
	}

	if c.Status.Backend == "" {
		c.Status.Backend = BackendPostgres
	}
	if c.Status.CacheSize == 0 {
		c.Status.CacheSize = 1024
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "dubbing"
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Connection.RetryAttempts == 0 {
		c.RabbitMQ.Connection.RetryAttempts = 5
	}
	if c.RabbitMQ.Connection.RetryInterval == 0 {
		c.RabbitMQ.Connection.RetryInterval = 2 * time.Second
	}

	if c.Storage.InputDir == "" {
		c.Storage.InputDir = "/data/input"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "/data/output"
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = 2 << 30
	}
	if len(c.Storage.AllowedMediaTypes) == 0 {
		c.Storage.AllowedMediaTypes = append([]string(nil), DefaultMediaTypes...)
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.MaxJobs == 0 {
		c.Worker.MaxJobs = 50
	}
	if c.Worker.HardTimeout == 0 {
		c.Worker.HardTimeout = 3600 * time.Second
	}
	if c.Worker.SoftTimeout == 0 {
		c.Worker.SoftTimeout = 3300 * time.Second
	}
	if c.Worker.KillGrace == 0 {
		c.Worker.KillGrace = 10 * time.Second
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.RequeueDelay == 0 {
		c.Worker.RequeueDelay = 2 * time.Second
	}
	if c.Worker.Reaper.Schedule == "" {
		c.Worker.Reaper.Schedule = "@every 1m"
	}
	if c.Worker.Reaper.StaleAfter == 0 {
		c.Worker.Reaper.StaleAfter = 5 * time.Minute
	}
	if c.Worker.Reaper.Grace == 0 {
		c.Worker.Reaper.Grace = time.Minute
	}
	if c.Worker.Reaper.PendingTimeout == 0 {
		c.Worker.Reaper.PendingTimeout = 24 * time.Hour
	}
	if c.Worker.Reaper.BatchSize == 0 {
		c.Worker.Reaper.BatchSize = 100
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	switch c.Broker.Backend {
	case BackendRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case BackendAsynq:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the asynq broker")
		}
	default:
		return fmt.Errorf("unknown broker backend: %q", c.Broker.Backend)
	}

	switch c.Status.Backend {
	case BackendPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis status store")
		}
	default:
		return fmt.Errorf("unknown status backend: %q", c.Status.Backend)
	}

	if c.Storage.InputDir == "" || c.Storage.OutputDir == "" {
		return fmt.Errorf("storage input_dir and output_dir are required")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.SubmitRatePerSec < 0 {
		return fmt.Errorf("server submit_rate_per_sec must not be negative")
	}

	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage max_upload_bytes must be greater than 0")
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.HardTimeout <= 0 {
		return fmt.Errorf("worker hard_timeout must be greater than 0")
	}

	if c.Worker.SoftTimeout <= 0 || c.Worker.SoftTimeout >= c.Worker.HardTimeout {
		return fmt.Errorf("worker soft_timeout must be greater than 0 and less than hard_timeout (%s)", c.Worker.HardTimeout)
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Broker.Redelivery != RedeliveryDisabled && c.Broker.Redelivery != RedeliveryEnabled {
		return fmt.Errorf("broker redelivery must be %q or %q", RedeliveryDisabled, RedeliveryEnabled)
	}

	if c.Broker.Redeliveries() < 0 {
		return fmt.Errorf("broker max_redeliveries must not be negative")
	}

	if c.Pipeline.Command == "" {
		return fmt.Errorf("pipeline command is required")
	}

	if err := c.Pipeline.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline defaults: %w", err)
	}

	return c.Validate()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
