package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/roiflow/internal/api"
	"github.com/dunamismax/roiflow/internal/config"
	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/queue"
	"github.com/dunamismax/roiflow/internal/ratelimit"
	"github.com/dunamismax/roiflow/internal/storage"
	"github.com/dunamismax/roiflow/internal/store"
	"github.com/dunamismax/roiflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel).WithField("component", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "roiflow-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("tracing setup failed")
	}

	jobStore := openStore(ctx, cfg.Database, logger)
	defer jobStore.Close()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.WithError(err).Warn("queue client close error")
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()

	opts := []api.Option{
		api.WithRegistry(operation.Default),
		api.WithAllowEmptyPipelines(cfg.Pipeline.AllowEmpty),
		api.WithPresignTTL(cfg.API.PresignTTL),
		api.WithTracer(otel.Tracer("roiflow/api")),
	}
	limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow, "")
	if err != nil {
		logger.WithError(err).Warn("rate limiting disabled")
	} else {
		opts = append(opts, api.WithRateLimiter(limiter, cfg.API.UserIDHeader))
	}

	var objects *storage.Client
	if c, err := storage.NewClient(storage.Config{
		Endpoint:       cfg.Storage.Endpoint,
		Access:         cfg.Storage.AccessKey,
		Secret:         cfg.Storage.SecretKey,
		Bucket:         cfg.Storage.Bucket,
		UseSSL:         cfg.Storage.UseSSL,
		MaxObjectBytes: cfg.Storage.MaxObjectBytes,
	}); err != nil {
		logger.WithError(err).Warn("object storage disabled")
	} else {
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.EnsureBucket(bucketCtx); err != nil {
			logger.WithError(err).Warn("ensure bucket failed")
		}
		cancel()
		objects = c
	}

	var app *api.Server
	if objects != nil {
		app = api.NewServer(logger, queueClient, jobStore, objects, opts...)
	} else {
		app = api.NewServer(logger, queueClient, jobStore, nil, opts...)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.API.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger logrus.FieldLogger) store.Store {
	if cfg.DSN == "" {
		logger.Info("using in-memory job store")
		return store.NewMemoryJobStore()
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		logger.WithError(err).Fatal("postgres store failed")
	}
	return pg
}
