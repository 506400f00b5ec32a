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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/nmtria/docingest/internal/api/handler"
	"github.com/nmtria/docingest/internal/api/router"
	apistorage "github.com/nmtria/docingest/internal/api/storage"
	"github.com/nmtria/docingest/internal/config"
	workerstorage "github.com/nmtria/docingest/internal/worker/storage"
	"github.com/nmtria/docingest/shared/logger"
	"github.com/nmtria/docingest/shared/postgresql"
	"github.com/nmtria/docingest/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	migrationsDir := flag.String("migrations", "db/migrations", "Path to database migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	appLogger = appLogger.ForService("api-service")

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := dbClient.MigrateUp(*migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	r := initRouter(cfg, appLogger.Logger, dbClient, rabbitClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRabbitMQ initializes the RabbitMQ client. The API declares the
// same topology as the worker so either service can start first.
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:       logger,
		Jobs:         workerstorage.NewStorage(dbClient.GetDB(), logger),
		Views:        apistorage.NewStorage(dbClient),
		Publisher:    rabbitClient,
		DedupeWindow: cfg.Pipeline.DedupeWindow,
	}

	health := handler.NewHealthHandler(logger, cfg.App.Name, dbClient.GetDB(), rabbitClient)

	return router.SetupRouter(handlerDeps, health)
}
