package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/api"
	"github.com/agrofleet/herald/internal/circuitbreaker"
	"github.com/agrofleet/herald/internal/config"
	"github.com/agrofleet/herald/internal/dispatch"
	"github.com/agrofleet/herald/internal/events"
	"github.com/agrofleet/herald/internal/fanout"
	"github.com/agrofleet/herald/internal/observ"
	"github.com/agrofleet/herald/internal/provider"
	"github.com/agrofleet/herald/internal/redis"
	"github.com/agrofleet/herald/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("workers", cfg.WorkerCount),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	requests := store.NewRequests(database, logger)
	queue := store.NewQueue(database, logger)
	providers := store.NewProviders(database, logger)
	deliveries := store.NewDeliveries(database, logger)
	eventLog := store.NewEvents(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// Initialize audit event sink, optionally mirrored to SQS
	var exporter events.Exporter
	if cfg.SQSEventQueueURL != "" {
		sqsExporter, err := events.NewSQSExporter(ctx, events.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs exporter unavailable, events stay local",
				zap.Error(err),
			)
		} else {
			exporter = sqsExporter
		}
	}
	sink := events.NewSink(eventLog, exporter, logger)

	// Initialize channel senders. Development mode logs instead of sending.
	var baseSender dispatch.Sender
	if cfg.Env == "development" {
		baseSender = dispatch.NewLogSender(logger)
		logger.Info("development mode, messages are logged instead of sent")
	} else {
		sesSender, err := dispatch.NewSESSender(ctx, dispatch.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}

		snsSender, err := dispatch.NewSNSSender(ctx, dispatch.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, sms and push disabled",
				zap.Error(err),
			)
			baseSender = dispatch.NewMultiSender(logger, sesSender)
		} else {
			baseSender = dispatch.NewMultiSender(logger, sesSender, snsSender)
		}
	}

	// Per-provider circuit breakers around the senders
	sender := circuitbreaker.NewProtectedSender(baseSender, circuitbreaker.Config{
		MaxFailures:     cfg.BreakerMaxFailures,
		RecoveryTimeout: cfg.BreakerRecoveryTimeout,
	}, logger)

	// Upstream directory resolves recipients, groups, and template content
	directory := fanout.NewDirectoryClient(cfg.DirectoryURL, cfg.DirectoryTimeout, logger)

	registry := provider.NewRegistry(providers, logger)
	notifier := fanout.NewWebhookNotifier(cfg.CallbackTimeout, logger)

	engine := fanout.New(requests, queue, directory, directory, sink, notifier, fanout.Config{
		FanoutInterval: cfg.FanoutInterval,
		SweepInterval:  cfg.SweepInterval,
		BatchSize:      cfg.FanoutBatchSize,
	}, logger)

	pool := dispatch.New(queue, deliveries, registry, sender, engine, sink, dispatch.Config{
		Workers:        cfg.WorkerCount,
		PollInterval:   cfg.PollInterval,
		AttemptTimeout: cfg.AttemptTimeout,
		Lease:          cfg.ClaimLease,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, logger)

	// Run the fan-out engine and the worker pool until shutdown
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	go engine.Start(workCtx)
	go pool.Start(workCtx)

	logger.Info("fan-out engine and worker pool started")

	// Setup API handler and router
	handler := api.NewHandler(logger, engine, requests, queue, deliveries, providers, sink, pool)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	handler = handler.WithHealthChecks(database)
	if redisClient != nil {
		handler = handler.WithHealthChecks(redisClient)
	}

	router := api.NewRouter(handler, rateLimiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new work, then give in-flight requests time to finish
		workCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
