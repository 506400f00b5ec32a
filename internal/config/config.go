package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DLQTopology      `yaml:"dead_letter"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`

	// MaxDeliveryAttempts is the broker-enforced delivery limit per
	// message; exceeding it dead-letters the message.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// DLQTopology holds the dead-letter exchange and queue names
type DLQTopology struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
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
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the optional Redis connection used for distributed
// file locks. An empty Addr disables Redis and the worker falls back to
// in-process locking.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	PrefetchCount   int           `yaml:"prefetch_count"`
	MaxRetries      int           `yaml:"max_retries"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DispatchRate    float64       `yaml:"dispatch_rate" env:"WORKER_DISPATCH_RATE"`
}

// SweeperConfig holds stuck-job sweeper configuration
type SweeperConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	BatchSize      int           `yaml:"batch_size"`
}

// DeadLetterConfig holds dead-letter processor configuration
type DeadLetterConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxMessages int           `yaml:"max_messages"`
}

// BreakerConfig holds circuit breaker tuning parameters
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BackoffConfig holds retry backoff tuning parameters
type BackoffConfig struct {
	Base     time.Duration `yaml:"base"`
	Factor   float64       `yaml:"factor"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Jitter   time.Duration `yaml:"jitter"`
}

// PipelineConfig holds stage executor configuration
type PipelineConfig struct {
	DedupeWindow time.Duration   `yaml:"dedupe_window"`
	ScratchDir   string          `yaml:"scratch_dir" env:"PIPELINE_SCRATCH_DIR"`
	Services     ServicesConfig  `yaml:"services"`
	Embedding    EmbeddingConfig `yaml:"embedding"`
}

// ServicesConfig holds base URLs of the downstream stage services
type ServicesConfig struct {
	StorageURL       string `yaml:"storage_url" env:"STORAGE_SERVICE_URL"`
	ExtractionURL    string `yaml:"extraction_url" env:"EXTRACTION_SERVICE_URL"`
	TranscriptionURL string `yaml:"transcription_url" env:"TRANSCRIPTION_SERVICE_URL"`
	MediaURL         string `yaml:"media_url" env:"MEDIA_SERVICE_URL"`
}

// EmbeddingConfig holds the embedding provider configuration
type EmbeddingConfig struct {
	BaseURL      string `yaml:"base_url" env:"EMBEDDING_BASE_URL"`
	APIToken     string `yaml:"api_token" env:"EMBEDDING_API_TOKEN"`
	Model        string `yaml:"model"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// Load reads and parses the configuration file, then applies environment
// variable overrides on top of it
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	return nil
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxRetries <= 0 {
		return fmt.Errorf("worker max_retries must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.RabbitMQ.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("rabbitmq max_delivery_attempts must be greater than 0")
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be greater than 0")
	}

	if c.Sweeper.StuckThreshold <= 0 {
		return fmt.Errorf("sweeper stuck_threshold must be greater than 0")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

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

	if c.RabbitMQ.DeadLetter.Queue == "" {
		return fmt.Errorf("rabbitmq dead-letter queue name is required")
	}

	return nil
}
