package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/api"
	"github.com/lalithlochan/gatecall/internal/boarding"
	"github.com/lalithlochan/gatecall/internal/channel"
	"github.com/lalithlochan/gatecall/internal/circuitbreaker"
	"github.com/lalithlochan/gatecall/internal/config"
	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/dispatch"
	"github.com/lalithlochan/gatecall/internal/maintenance"
	"github.com/lalithlochan/gatecall/internal/metrics"
	"github.com/lalithlochan/gatecall/internal/observ"
	"github.com/lalithlochan/gatecall/internal/preference"
	"github.com/lalithlochan/gatecall/internal/redis"
	"github.com/lalithlochan/gatecall/internal/sns"
	"github.com/lalithlochan/gatecall/internal/sqs"
	"github.com/lalithlochan/gatecall/internal/templates"
	"github.com/lalithlochan/gatecall/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("gatecall-notifier", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gatecall notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("marker_backend", cfg.MarkerBackend),
		zap.Bool("dev_transports", cfg.DevTransports),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
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

	repo := db.NewRepository(database, logger)

	// Redis carries the boarding markers, the SMS throttle and the API rate
	// limit. Without it only the postgres marker backend can run.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.MarkerBackend == "redis" {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, throttling and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		markers     boarding.MarkerStore
		smsLimiter  channel.Limiter
		httpLimiter api.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()

		smsLimiter = redis.NewThrottle(redisClient, logger, redis.ThrottleConfig{
			Limit:  cfg.SMSRateLimit,
			Window: cfg.SMSRateWindow,
		})
		httpLimiter = redis.NewThrottle(redisClient, logger, redis.ThrottleConfig{
			Limit:  100,
			Window: time.Minute,
		})
	}
	switch cfg.MarkerBackend {
	case "postgres":
		markers = repo.Markers()
	default:
		markers = redis.NewMarkerStore(redisClient, logger)
	}

	breakers := circuitbreaker.NewRegistry(func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}, logger)

	router, err := buildTransports(ctx, cfg, repo, smsLimiter, breakers, logger)
	if err != nil {
		return err
	}

	mode, err := templates.ParseMode(cfg.TemplateSelection)
	if err != nil {
		return err
	}
	selector := templates.NewSelector(repo, mode, cfg.DefaultLanguage, logger)

	deps := dispatch.Deps{
		Resolver:  preference.NewResolver(cfg.DefaultTimezone, logger),
		Templates: selector,
		Transport: router,
		Store:     repo,
		Directory: repo,
	}
	if cfg.BroadcastTopicARN != "" {
		var publisher *sns.Publisher
		if cfg.AWSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.BroadcastTopicARN, cfg.AWSEndpoint, cfg.SNSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.BroadcastTopicARN)
		}
		if err != nil {
			logger.Warn("broadcast publisher unavailable, notification events will not be published",
				zap.Error(err),
			)
		} else {
			deps.Broadcaster = publisher
		}
	}

	orchestrator := dispatch.New(deps, dispatch.Config{
		Parallelism:      cfg.DispatchParallelism,
		TransportTimeout: cfg.TransportTimeout,
	}, logger)

	sweeper := worker.New(repo, orchestrator, worker.Config{
		PollInterval: cfg.RetryInterval,
		BatchSize:    cfg.RetryBatchSize,
		ClaimLease:   cfg.RetryClaimLease,
	}, logger)

	scheduler := boarding.New(repo, markers, orchestrator, boarding.Config{
		Interval:  cfg.BoardingInterval,
		MarkerTTL: cfg.MarkerTTL,
	}, logger)

	cleaner := maintenance.NewCleaner(scheduler, repo, logger,
		maintenance.WithMarkerSchedule(cfg.CleanupSchedule),
		maintenance.WithPruneSchedule(cfg.PruneSchedule),
		maintenance.WithRetentionDays(cfg.RetentionDays),
	)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("failed to start cleaner: %w", err)
	}

	handler := api.NewHandler(logger, repo, orchestrator, scheduler, sweeper).
		WithBreakers(breakers).
		WithPreferences(repo).
		WithReadinessCheck("postgres", database.Health)
	if redisClient != nil {
		handler.WithReadinessCheck("redis", redisClient.Ping)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, events will be dispatched inline",
				zap.Error(err),
			)
		} else {
			handler.WithQueue(producer)
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queued events will not be processed",
				zap.Error(err),
			)
		} else {
			go worker.NewEventConsumer(consumer, orchestrator, logger).Start(bgCtx)
		}
	}

	go sweeper.Start(bgCtx)
	go scheduler.Start(bgCtx)

	logger.Info("background workers started")

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, httpLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		bgCancel()
		<-cleaner.Stop().Done()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs error
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
			errs = multierr.Append(errs, srv.Close())
		}

		select {
		case <-cleaner.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("cleaner did not stop: %w", ctx.Err()))
		}

		if errs != nil {
			return errs
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}
