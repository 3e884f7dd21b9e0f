/**
 * @description
 * This is the main entry point for the ledger service. It loads configuration, connects to
 * PostgreSQL and the optional Redis and RabbitMQ backends, wires the application service and
 * outbox dispatcher, and serves the HTTP API until it receives a termination signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: webhook rate limiting.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: the service itself.
 * - pkg/processorclient, pkg/rabbitmq: outbound integrations.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/vpnportal/ledger/internal/api"
	"github.com/vpnportal/ledger/internal/app"
	"github.com/vpnportal/ledger/internal/config"
	"github.com/vpnportal/ledger/internal/store"
	"github.com/vpnportal/ledger/pkg/processorclient"
	"github.com/vpnportal/ledger/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Error("database url must be configured", "env", "DATABASE_URL")
		os.Exit(1)
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not configured; internal routes are open", "env", "INTERNAL_API_KEY")
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("admin jwt secret not configured; admin routes will reject every request", "env", "ADMIN_JWT_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	pgStore := store.NewPostgresStore(dbpool)
	if cfg.AutoMigrate {
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("schema migration applied")
	}

	var limiter app.RateLimiter
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; webhook rate limiting disabled", "env", "REDIS_URL")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; webhook rate limiting disabled", "error", parseErr)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; webhook rate limiting disabled", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
			logger.Info("redis connected")
		}
	}

	processor := processorclient.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey)
	ledger := app.NewLedger(pgStore, processor, logger, app.Options{
		EventsExchange:         cfg.LedgerEventsExchange,
		LifetimePlanYears:      cfg.LifetimePlanYears,
		ClickAttributionWindow: cfg.ClickAttributionWindow(),
		CommissionHoldDays:     cfg.CommissionHoldDays,
		PaymentTTL:             cfg.PaymentTTL(),
		IPHashSalt:             cfg.IPHashSalt,
		WebhookCallbackURL:     cfg.WebhookCallbackURL,
	})

	dispatcher := app.NewOutboxDispatcher(pgStore, publisherFactory(cfg.RabbitMQURL, logger), logger)
	go dispatcher.Run(ctx)

	handler := api.NewHandler(ledger, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		AdminJWTSecret:            cfg.AdminJWTSecret,
		InternalAPIKey:            cfg.InternalAPIKey,
		AllowedOrigins:            cfg.CORSOrigins(),
		WebhookLimiter:            limiter,
		WebhookRateLimitPerMinute: cfg.WebhookRateLimitPerMinute,
		Logger:                    logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped gracefully")
}

// publisherFactory connects to RabbitMQ when a URL is configured and otherwise logs events.
func publisherFactory(amqpURL string, logger *slog.Logger) app.PublisherFactory {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Warn("rabbitmq url missing; ledger events will only be logged", "env", "RABBITMQ_URL")
		return func() (rabbitmq.Publisher, error) {
			return &rabbitmq.LogPublisher{Logger: logger}, nil
		}
	}
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(amqpURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
