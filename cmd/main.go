/**
 * @description
 * This is the main entry point for the kidauth-service.
 * It serves kid PIN verification and the routine endpoints behind the
 * dual-auth gate, runs the hygiene cron jobs, and relays outbox events to
 * RabbitMQ.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: Postgres connection pool.
 * - github.com/redis/go-redis/v9: Shared rate limit counters.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/chorechart/kidauth-service/internal/api"
	"github.com/chorechart/kidauth-service/internal/app"
	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/config"
	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
	"github.com/chorechart/kidauth-service/internal/session"
	"github.com/chorechart/kidauth-service/internal/store"
	"github.com/chorechart/kidauth-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	dbConfig.MaxConns = 10
	dbConfig.MinConns = 2
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	limiter, sweeper, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter()

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
			logger.Warn("failed to connect to RabbitMQ at startup; continuing without MQ", "error", err)
		} else {
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	}
	defer publisher.Close()

	repository := store.NewPostgresRepository(dbpool)
	issuer := session.NewIssuer(repository, cfg.KidSessionTTL)
	gate := authz.NewGate(authz.NewParentSessionVerifier(cfg.ParentSessionSecret), issuer, cfg.ParentSessionCookie)

	verification := app.NewVerificationService(repository, limiter, issuer, publisher, app.VerificationConfig{
		AddressLimit:     ratelimit.Config{MaxAttempts: cfg.PINVerifyMaxAttempts, Window: cfg.PINVerifyWindow},
		ChildMaxAttempts: cfg.ChildPINMaxAttempts,
		ChildLockout:     cfg.ChildPINLockout,
		LegacyUnscoped:   cfg.LegacyUnscopedPINVerification,
		EventsExchange:   cfg.EventsExchange,
	}, logger)
	routines := app.NewRoutineService(repository, cfg.EventsExchange, logger)
	credentials := app.NewCredentialService(repository, limiter, issuer, logger)

	jobs := app.NewJobs(sweeper, issuer, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	logger.Info("scheduler started", "jobs", scheduler.Start())

	if cfg.RabbitMQURL != "" {
		dispatcher := app.NewOutboxDispatcher(repository, func() (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		}, cfg.OutboxPollInterval, logger)
		go dispatcher.Run(ctx)

		childEvents := app.NewChildEventHandler(issuer, limiter, logger)
		if consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger); err != nil {
			logger.Warn("child event consumer unavailable; removed children keep their sessions until expiry", "error", err)
		} else {
			defer consumer.Close()
			go func() {
				err := consumer.ConsumeWithBindings(ctx, cfg.EventsExchange, cfg.ChildEventsQueue, map[string]rabbitmq.MessageHandler{
					domain.EventsRoutingChildRemoved: childEvents.HandleChildRemoved,
				})
				if err != nil {
					logger.Error("child event consumer stopped", "error", err)
				}
			}()
		}
	} else {
		logger.Warn("RABBITMQ_URL is not set; outbox events stay pending")
	}

	handler := api.NewHandler(verification, routines, credentials, cfg.TrustProxyHeaders, logger)
	router := api.NewRouter(handler, gate, limiter, api.RouterConfig{
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()
	logger.Info("shutdown complete")
}

// newLimiter builds the configured limiter backend. A Redis backend that
// cannot be reached falls back to the in-process limiter.
func newLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, app.Sweeper, func()) {
	memory := func() (ratelimit.Limiter, app.Sweeper, func()) {
		l := ratelimit.NewMemoryLimiter()
		return l, l, func() {}
	}
	if cfg.RateLimitBackend != config.RateLimitBackendRedis {
		return memory()
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-memory rate limiting", "error", err)
		return memory()
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-memory rate limiting", "error", err)
		client.Close()
		return memory()
	}
	logger.Info("redis connected", "prefix", cfg.RedisRateLimitPrefix)
	return ratelimit.NewRedisLimiter(client, cfg.RedisRateLimitPrefix), nil, func() { client.Close() }
}
