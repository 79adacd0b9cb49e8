package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/roiflow/internal/codec"
	"github.com/dunamismax/roiflow/internal/config"
	"github.com/dunamismax/roiflow/internal/storage"
	"github.com/dunamismax/roiflow/internal/store"
	"github.com/dunamismax/roiflow/internal/telemetry"
	"github.com/dunamismax/roiflow/internal/webhook"
	"github.com/dunamismax/roiflow/internal/worker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel).WithField("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := codec.Startup(); err != nil {
		logger.WithError(err).Fatal("codec startup failed")
	}
	defer codec.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "roiflow-worker",
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

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:       cfg.Storage.Endpoint,
		Access:         cfg.Storage.AccessKey,
		Secret:         cfg.Storage.SecretKey,
		Bucket:         cfg.Storage.Bucket,
		UseSSL:         cfg.Storage.UseSSL,
		MaxObjectBytes: cfg.Storage.MaxObjectBytes,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage disabled, only local_file jobs will run")
		storageClient = nil
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"strict_crop":     cfg.Pipeline.StrictCrop,
	}).Info("starting worker")

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Pipeline, storageClient, cfg.Storage.DownloadURLTTL, webhookClient, jobStore, jobStore)
	if err != nil {
		logger.WithError(err).Fatal("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.Worker.MetricsAddr).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("worker failed")
	}
	logger.Info("worker stopped")
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
