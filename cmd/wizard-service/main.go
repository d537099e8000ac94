/**
 * @description
 * This is the main entry point for the wizard-service. It loads configuration,
 * connects the optional stores and the message broker, builds the flow registry
 * and the session manager, and serves the HTTP API until it is signalled to stop.
 *
 * @notes
 * - PostgreSQL, Redis and RabbitMQ are optional. Without them the service keeps
 *   sessions and receipts in memory and drops commit events.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Session store and rate limiting.
 * - internal/api, internal/app, internal/config, internal/flows, internal/store.
 * - pkg/backendclient, pkg/rabbitmq.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/valarpay/wizard-service/internal/api"
	"github.com/valarpay/wizard-service/internal/app"
	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/config"
	"github.com/valarpay/wizard-service/internal/flows"
	"github.com/valarpay/wizard-service/internal/logging"
	"github.com/valarpay/wizard-service/internal/store"
	"github.com/valarpay/wizard-service/pkg/backendclient"
	"github.com/valarpay/wizard-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables", "component", "bootstrap")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	boot := logger.With("component", "bootstrap")
	boot.Info("starting wizard-service", "port", cfg.ServerPort)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		boot.Error("catalog load failed", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	backend := backendclient.NewClient(cfg.BackendBaseURL, cfg.BackendAPIKey, cfg.BackendTimeout()).WithLogger(logger)
	registry, err := flows.NewRegistry(backend, cat)
	if err != nil {
		boot.Error("flow registry failed", "error", err)
		os.Exit(1)
	}

	var receipts store.ReceiptRepository = store.NewMemoryReceiptRepository()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		boot.Warn("database url missing; receipts are kept in memory", "env", "DATABASE_URL")
	} else if dbpool, err := connectPostgres(cfg.DatabaseURL); err != nil {
		boot.Warn("database unavailable; receipts are kept in memory", "error", err)
	} else {
		defer dbpool.Close()
		repo := store.NewPostgresReceiptRepository(dbpool)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			boot.Error("receipt schema setup failed", "error", err)
			os.Exit(1)
		}
		receipts = repo
		boot.Info("database connected")
	}

	var sessions store.SessionStore = store.NewMemorySessionStore()
	var locks store.CommitLocker = store.NewMemoryCommitLocker()
	var limiter app.VerifyLimiter = app.NewMemoryVerifyLimiter()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		boot.Warn("redis url missing; sessions and verification limits are kept in memory", "env", "REDIS_URL")
	} else if redisClient, err := connectRedis(cfg.RedisURL); err != nil {
		boot.Warn("redis unavailable; sessions and verification limits are kept in memory", "error", err)
	} else {
		defer redisClient.Close()
		sessions = store.NewRedisSessionStore(redisClient, cfg.RedisKeyPrefix, cfg.SessionTTL())
		locks = store.NewRedisCommitLocker(redisClient, cfg.RedisKeyPrefix)
		limiter = app.NewRedisVerifyLimiter(redisClient, cfg.RedisKeyPrefix)
		boot.Info("redis connected")
	}

	var events rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		boot.Warn("rabbitmq url missing; commit events are dropped", "env", "RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger); err != nil {
		boot.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		defer producer.Close()
		events = producer
		boot.Info("rabbitmq producer connected", "exchange", cfg.EventsExchange)
	}

	verifier, err := api.NewTokenVerifier(api.AuthConfig{
		JWKSURL:  cfg.JWKSURL,
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Insecure: cfg.AuthDevMode,
	})
	if err != nil {
		boot.Error("auth setup failed", "error", err)
		os.Exit(1)
	}

	service, err := app.NewService(app.Dependencies{
		Flows:                    registry,
		Sessions:                 sessions,
		Receipts:                 receipts,
		Locks:                    locks,
		Events:                   events,
		Limiter:                  limiter,
		Wallet:                   backend,
		Logger:                   logger,
		SessionTTL:               cfg.SessionTTL(),
		CommitLockTTL:            4 * cfg.BackendTimeout(),
		VerifyRateLimitPerMinute: cfg.VerifyRateLimitPerMinute,
	})
	if err != nil {
		boot.Error("session manager setup failed", "error", err)
		os.Exit(1)
	}

	janitor := app.NewJanitor(service, cfg.JanitorSchedule, logger)
	if err := janitor.Start(); err != nil {
		boot.Error("janitor start failed", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.NewHandlers(service, logger), verifier, cfg.AllowedOrigins())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	<-janitor.Stop().Done()
	logger.Info("shutdown complete", "component", "http")
}

func connectPostgres(databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, err
	}
	return dbpool, nil
}

func connectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url parse failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
