/**
 * @description
 * This is the main entry point for the referral-service. It is responsible
 * for initializing all components of the service: configuration, the
 * PostgreSQL connection pool, the Redis chain cache, the RabbitMQ producer,
 * the payout backend client, the core application service, the cron
 * scheduler, and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP serving.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the chain cache.
 * - internal/api, internal/app, internal/cache, internal/config,
 *   internal/domain, internal/store: Internal packages for the service.
 * - pkg/payoutclient, pkg/rabbitmq: Clients for external collaborators.
 */

package main

import (
	"context"
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
	"github.com/sigmatrade/referral-service/internal/api"
	"github.com/sigmatrade/referral-service/internal/app"
	"github.com/sigmatrade/referral-service/internal/cache"
	"github.com/sigmatrade/referral-service/internal/config"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
	"github.com/sigmatrade/referral-service/pkg/payoutclient"
	rmrabbit "github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load a local .env file when present; environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("internal api key not configured; internal endpoints are unauthenticated")
	}

	logger.Info("starting referral-service", "port", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	// Align pool sizing with the other services.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// The chain cache is optional; the service runs correctly without Redis,
	// just slower on repeated chain reads.
	var chainCache app.ChainCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; chain cache disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				logger.Warn("redis ping failed; chain cache disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				chainCache = cache.NewRedisChainCache(redisClient, cfg.RedisKeyPrefix,
					time.Duration(cfg.ChainCacheTTLMinutes)*time.Minute)
				logger.Info("redis connected, chain cache enabled")
			}
			cancelPing()
		}
	} else {
		logger.Info("redis url not configured; chain cache disabled")
	}

	// Initialize the RabbitMQ producer for notifications and operator alerts.
	var eventProducer rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer producer.Close()
		eventProducer = producer
		logger.Info("rabbitmq producer connected")
	}

	// Initialize the client for the payout backend.
	payoutClient := payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	rates := domain.CommissionRates{
		1: cfg.Level1CommissionPct,
		2: cfg.Level2CommissionPct,
		3: cfg.Level3CommissionPct,
	}
	retryPolicy := app.RetryPolicy{
		BaseDelay:   time.Duration(cfg.RetryBaseDelaySeconds) * time.Second,
		MaxAttempts: cfg.RetryMaxAttempts,
	}

	// Initialize the core application service with its dependencies.
	service := app.NewService(repository, chainCache, payoutClient, eventProducer, logger, rates, retryPolicy)

	// Start the settlement and retry sweep jobs.
	scheduler := app.NewScheduler(service, logger, cfg.SettlementSchedule, cfg.RetrySweepSchedule)
	scheduler.Start()
	logger.Info("scheduler started",
		"settlement_schedule", cfg.SettlementSchedule, "retry_sweep_schedule", cfg.RetrySweepSchedule)

	// Set up the HTTP router and start the server.
	handlers := api.NewHandler(service)
	router := api.NewRouter(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for in-flight jobs to finish.

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
