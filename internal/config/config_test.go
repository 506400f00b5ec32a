package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "docingest_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:                "localhost",
			Port:                5672,
			Exchange:            ExchangeConfig{Name: "ingest_exchange"},
			Queue:               QueueConfig{Name: "ingest_tasks"},
			DeadLetter:          DLQTopology{Queue: "ingest_tasks_dead"},
			MaxDeliveryAttempts: 6,
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			MaxRetries:      3,
			JobTimeout:      5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval:       time.Minute,
			StuckThreshold: 10 * time.Minute,
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "docingest_db", cfg.Database.Database)
				assert.Equal(t, "ingest_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "ingest_tasks", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "ingest_tasks_dead", cfg.RabbitMQ.DeadLetter.Queue)
				assert.Equal(t, 6, cfg.RabbitMQ.MaxDeliveryAttempts)
				assert.Equal(t, "docingest-api", cfg.App.Name)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, 3, cfg.Worker.MaxRetries)
				assert.Equal(t, 100, cfg.Sweeper.BatchSize)
				assert.Equal(t, 1000, cfg.Pipeline.Embedding.ChunkSize)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("STORAGE_SERVICE_URL", "http://storage.internal")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, "http://storage.internal", cfg.Pipeline.Services.StorageURL)
	// Fields without env overrides keep their yaml values.
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "server port too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "server port too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "empty dead-letter queue name",
			mutate:    func(c *Config) { c.RabbitMQ.DeadLetter.Queue = "" },
			wantErr:   true,
			errString: "rabbitmq dead-letter queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency",
		},
		{
			name:      "zero max retries",
			mutate:    func(c *Config) { c.Worker.MaxRetries = 0 },
			wantErr:   true,
			errString: "worker max_retries",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "worker job_timeout",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			wantErr:   true,
			errString: "worker shutdown_timeout",
		},
		{
			name:      "zero delivery limit",
			mutate:    func(c *Config) { c.RabbitMQ.MaxDeliveryAttempts = 0 },
			wantErr:   true,
			errString: "max_delivery_attempts",
		},
		{
			name:      "zero sweeper interval",
			mutate:    func(c *Config) { c.Sweeper.Interval = 0 },
			wantErr:   true,
			errString: "sweeper interval",
		},
		{
			name:      "zero stuck threshold",
			mutate:    func(c *Config) { c.Sweeper.StuckThreshold = 0 },
			wantErr:   true,
			errString: "sweeper stuck_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.NoError(t, cfg.ValidateAPIConfig())
		assert.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
