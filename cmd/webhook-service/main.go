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

	"github.com/converthub/converthub-go/internal/config"
	"github.com/converthub/converthub-go/internal/webhook"
	"github.com/converthub/converthub-go/internal/webhook/dedup"
	"github.com/converthub/converthub-go/shared/logger"
	"github.com/converthub/converthub-go/shared/postgresql"
	"github.com/converthub/converthub-go/shared/rabbitmq"
	"github.com/converthub/converthub-go/shared/rediscache"
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

	defaultConfigPath := os.Getenv("WEBHOOK_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/webhook-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting webhook service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	secret := os.Getenv(cfg.Webhook.SecretEnv)
	if secret == "" {
		return fmt.Errorf("webhook secret is not set (expected in env %s)", cfg.Webhook.SecretEnv)
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Error("Cleanup failed", slog.Any("error", err))
			}
		}
	}()

	store, err := initDedupStore(cfg, appLogger.Logger, &closers)
	if err != nil {
		return err
	}

	var publisher webhook.Publisher
	if cfg.Events.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.Events.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		closers = append(closers, rabbitClient.Close)
		publisher = rabbitClient

		appLogger.Info("Event fan-out enabled",
			slog.String("exchange", cfg.Events.RabbitMQ.Exchange.Name),
		)
	}

	receiver, err := webhook.NewReceiver(&webhook.Config{
		Secret:    secret,
		Store:     store,
		Handler:   webhook.LogHandler(appLogger.Logger),
		Policy:    webhook.FailurePolicy(cfg.Webhook.FailurePolicy),
		Logger:    appLogger.Logger,
		Publisher: publisher,
	})
	if err != nil {
		return fmt.Errorf("failed to build receiver: %w", err)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := webhook.SetupRouter(receiver, appLogger.Logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
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

	appLogger.Info("Webhook service is running",
		slog.String("address", addr),
		slog.String("dedup_backend", cfg.Dedup.Backend),
		slog.String("failure_policy", cfg.Webhook.FailurePolicy),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

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

// initDedupStore builds the configured dedup backend and registers its
// cleanup.
func initDedupStore(cfg *config.Config, log *slog.Logger, closers *[]func() error) (dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		redisClient, err := rediscache.NewClient(&rediscache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		*closers = append(*closers, redisClient.Close)
		return dedup.NewRedisStore(redisClient.GetClient(), cfg.Redis.Prefix, cfg.Dedup.TTL), nil

	case config.DedupBackendPostgres:
		dbClient, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		*closers = append(*closers, dbClient.Close)
		return dedup.NewPostgresStore(dbClient.GetDB()), nil

	default:
		return dedup.NewMemoryStore(cfg.Dedup.Capacity), nil
	}
}

// initRabbitMQ initializes the RabbitMQ publisher
func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}, log)
}
