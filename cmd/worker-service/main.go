package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nmtria/docingest/internal/backoff"
	"github.com/nmtria/docingest/internal/breaker"
	"github.com/nmtria/docingest/internal/config"
	"github.com/nmtria/docingest/internal/deadletter"
	"github.com/nmtria/docingest/internal/pipeline"
	"github.com/nmtria/docingest/internal/sweeper"
	"github.com/nmtria/docingest/internal/worker"
	"github.com/nmtria/docingest/internal/worker/domain"
	workerstorage "github.com/nmtria/docingest/internal/worker/storage"
	"github.com/nmtria/docingest/shared/logger"
	"github.com/nmtria/docingest/shared/postgresql"
	"github.com/nmtria/docingest/shared/rabbitmq"
	"github.com/nmtria/docingest/shared/redislock"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	migrationsDir := flag.String("migrations", "db/migrations", "Path to database migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	appLogger = appLogger.ForService("worker-service")

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(*migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	store := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	locks, err := initKeyLock(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize key locks: %w", err)
	}

	executor, err := buildPipeline(&cfg.Pipeline, store, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	circuitBreaker := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	}, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Store:         store,
		RabbitClient:  rabbitClient,
		Executor:      executor,
		Breaker:       circuitBreaker,
		Locks:         locks,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.Worker.PrefetchCount,
		MaxRetries:    cfg.Worker.MaxRetries,
		JobTimeout:    cfg.Worker.JobTimeout,
		DispatchRate:  cfg.Worker.DispatchRate,
		Backoff: backoff.Config{
			Base:     cfg.Backoff.Base,
			Factor:   cfg.Backoff.Factor,
			MaxDelay: cfg.Backoff.MaxDelay,
			Jitter:   cfg.Backoff.Jitter,
		},
	})

	jobSweeper := sweeper.New(&sweeper.Config{
		Logger:         appLogger.Logger,
		Store:          store,
		Publisher:      rabbitClient,
		Interval:       cfg.Sweeper.Interval,
		StuckThreshold: cfg.Sweeper.StuckThreshold,
		BatchSize:      cfg.Sweeper.BatchSize,
		MaxRetries:     cfg.Worker.MaxRetries,
	})

	dlqProcessor := deadletter.New(&deadletter.Config{
		Logger:      appLogger.Logger,
		Store:       store,
		Source:      rabbitClient,
		Interval:    cfg.DeadLetter.Interval,
		MaxMessages: cfg.DeadLetter.MaxMessages,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	g.Go(func() error {
		return jobSweeper.Run(gctx)
	})
	g.Go(func() error {
		return dlqProcessor.Run(gctx)
	})

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	groupDone := false
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		groupDone = true
		if err != nil && err != context.Canceled {
			appLogger.Error("Worker service error",
				slog.Any("error", err),
			)
			return err
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		if !groupDone {
			<-errChan
		}
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the task and
// dead-letter topology
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		VHost:                cfg.VHost,
		ExchangeName:         cfg.Exchange.Name,
		ExchangeType:         cfg.Exchange.Type,
		QueueName:            cfg.Queue.Name,
		RoutingKey:           cfg.RoutingKey,
		DeadLetterExchange:   cfg.DeadLetter.Exchange,
		DeadLetterQueue:      cfg.DeadLetter.Queue,
		DeadLetterRoutingKey: cfg.DeadLetter.RoutingKey,
		MaxDeliveryAttempts:  cfg.MaxDeliveryAttempts,
		Durable:              cfg.Queue.Durable,
		RetryAttempts:        cfg.Connection.RetryAttempts,
		RetryInterval:        cfg.Connection.RetryInterval,
		Heartbeat:            cfg.Connection.Heartbeat,
		ConnectionTimeout:    cfg.Connection.ConnectionTimeout,
		PublishRetries:       cfg.Publish.RetryAttempts,
		PublishRetryDelay:    cfg.Publish.RetryInterval,
		PublishBackoffMult:   cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initKeyLock picks the lock implementation: Redis when configured, so
// multiple worker replicas exclude each other; otherwise an in-process
// keyed mutex.
func initKeyLock(cfg *config.RedisConfig, logger *slog.Logger) (worker.KeyLock, error) {
	if cfg.Addr == "" {
		logger.Info("Redis not configured, using in-process file locks")
		return worker.NewMemoryKeyLock(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Using Redis distributed file locks",
		slog.String("addr", cfg.Addr),
	)
	return redislock.New(rdb, redislock.Config{TTL: cfg.LockTTL}, logger), nil
}

// buildPipeline wires every stage the content plans can reach
func buildPipeline(cfg *config.PipelineConfig, store pipeline.ChunkStore, logger *slog.Logger) (*pipeline.Runner, error) {
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	fetcher := &pipeline.HTTPFetcher{
		Client:  httpClient,
		BaseURL: cfg.Services.StorageURL,
	}

	embedderCfg := pipeline.EmbedderConfig{
		BaseURL:      cfg.Embedding.BaseURL,
		APIToken:     cfg.Embedding.APIToken,
		Model:        cfg.Embedding.Model,
		ChunkSize:    cfg.Embedding.ChunkSize,
		ChunkOverlap: cfg.Embedding.ChunkOverlap,
	}
	embedder, err := pipeline.NewEmbedder(embedderCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	runner := pipeline.NewRunner(logger)
	runner.Register(domain.StageDownloading, pipeline.NewDownloadStage(fetcher, cfg.ScratchDir))
	runner.Register(domain.StageExtracting, pipeline.NewExtractStage(httpClient, cfg.Services.ExtractionURL))
	runner.Register(domain.StageTranscribing, pipeline.NewTranscribeStage(httpClient, cfg.Services.TranscriptionURL))
	runner.Register(domain.StageExtractingMedia, pipeline.NewMediaStage(httpClient, cfg.Services.MediaURL))
	runner.Register(domain.StageEmbedding, pipeline.NewEmbedStage(embedder, store, embedderCfg))
	runner.Register(domain.StageStoring, pipeline.NewStoreStage(store))

	return runner, nil
}
