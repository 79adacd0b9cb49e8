package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/codec"
	"github.com/dunamismax/roiflow/internal/config"
	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/dunamismax/roiflow/internal/processing"
	"github.com/dunamismax/roiflow/internal/queue"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/dunamismax/roiflow/internal/storage"
	"github.com/dunamismax/roiflow/internal/store"
	"github.com/dunamismax/roiflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var errObjectStoreUnavailable = errors.New("object storage is not configured")

type Server struct {
	logger          logrus.FieldLogger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  imageProcessor
	objectProcessor imageProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
	outputFormat    string
	downloads       downloadSigner
	downloadTTL     time.Duration
}

type downloadSigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type imageProcessor interface {
	Process(ctx context.Context, req processing.Request) (processing.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer wires the asynq server to the processors. storageClient may be
// nil, in which case only local_file jobs can run. Results written to object
// storage are announced with a download link valid for downloadTTL.
func NewServer(
	logger logrus.FieldLogger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	pipelineCfg config.PipelineConfig,
	storageClient *storage.Client,
	downloadTTL time.Duration,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	m := newMetrics()
	tracer := otel.Tracer("roiflow/worker")

	executor := pipeline.NewExecutor(
		pipeline.WithRegistry(operation.Default),
		pipeline.WithLogger(logger.WithField("component", "executor")),
		pipeline.WithObserver(stepObserver{tracer: tracer, metrics: m}),
		pipeline.WithStrict(pipelineCfg.StrictCrop),
		pipeline.WithAllowEmpty(pipelineCfg.AllowEmpty),
	)

	localProcessor, err := processing.NewLocalProcessor(workerCfg.LocalOutputDir, executor)
	if err != nil {
		return nil, errors.Wrap(err, "initialize local processor")
	}

	var (
		objectProcessor imageProcessor
		downloads       downloadSigner
	)
	if storageClient != nil {
		downloads = storageClient
		p, err := processing.NewProcessor(
			processing.ObjectStoreFetcher{Storage: storageClient},
			processing.ObjectStoreEmitter{Storage: storageClient},
			executor,
		)
		if err != nil {
			return nil, errors.Wrap(err, "initialize object-store processor")
		}
		objectProcessor = p
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var webhooks webhookSender
	if webhookClient != nil {
		webhooks = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.WithFields(logrus.Fields{
						"type":  task.Type(),
						"retry": fmt.Sprintf("%d/%d", retried, maxRetry),
					}).WithError(err).Error("task failed")
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   webhooks,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         m,
		tracer:          tracer,
		outputFormat:    workerCfg.OutputFormat,
		downloads:       downloads,
		downloadTTL:     downloadTTL,
	}
	return s, nil
}

// Run blocks until the asynq server receives a termination signal.
func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

// Start begins processing in the background; stop it with Shutdown.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessImage, s.handleProcessImage)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseProcessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(payload.Trace))
	ctx, span := s.tracer.Start(ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
	)
	defer span.End()
	defer func() {
		s.metrics.observeJob(payload.SourceType, outcome, time.Since(startedAt))
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.WithFields(logrus.Fields{
		"job_id":      payload.JobID,
		"source_type": payload.SourceType,
		"object_key":  payload.ObjectKey,
	})
	log.Info("processing job")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, payload)
	if err != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		log.WithError(err).Warn("job failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if isPermanent(err) {
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return errors.Wrap(err, "run pipeline")
	}

	log.WithFields(logrus.Fields{
		"steps":    len(result.Steps),
		"warnings": len(result.Warnings),
		"output":   result.Output.Path,
	}).Info("processed job")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.metrics.observeOutput(result.Output.Format, result.Output.Bytes)
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	completed := map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"output":       result.Output,
		"steps":        stepSummaries(result.Steps),
		"warnings":     result.Warnings,
	}
	if link := s.downloadURL(ctx, payload, result.Output); link != "" {
		completed["download_url"] = link
	}
	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, completed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// downloadURL signs a link to an output kept in object storage. Signing
// failures are logged and yield no link.
func (s *Server) downloadURL(ctx context.Context, payload queue.ProcessImagePayload, out processing.Output) string {
	if s.downloads == nil || payload.SourceType == domain.SourceTypeLocalFile || s.downloadTTL <= 0 {
		return ""
	}
	link, err := s.downloads.PresignedGetURL(ctx, out.Path, s.downloadTTL)
	if err != nil {
		s.logger.WithField("job_id", payload.JobID).WithError(err).Warn("sign download url failed")
		return ""
	}
	return link
}

func (s *Server) process(ctx context.Context, payload queue.ProcessImagePayload) (processing.Result, error) {
	desc, err := pipeline.Parse(payload.Pipeline)
	if err != nil {
		return processing.Result{}, err
	}

	outputFormat := payload.OutputFormat
	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = s.outputFormat
	}

	req := processing.Request{
		JobID:        payload.JobID,
		SourceType:   payload.SourceType,
		ObjectKey:    payload.ObjectKey,
		Pipeline:     desc,
		OutputFormat: outputFormat,
		Quality:      payload.Quality,
	}

	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		return s.localProcessor.Process(ctx, req)
	default:
		if s.objectProcessor == nil {
			return processing.Result{}, errObjectStoreUnavailable
		}
		return s.objectProcessor.Process(ctx, req)
	}
}

// isPermanent reports whether retrying the task can never succeed: the same
// document and source fail the same way every time.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, target := range []error{
		pipeline.ErrMalformedDescription,
		pipeline.ErrEmptyPipeline,
		operation.ErrUnknownOperationType,
		operation.ErrInvalidParameters,
		raster.ErrOutOfBounds,
		processing.ErrUnsupportedSourceType,
		codec.ErrUnsupportedFormat,
		storage.ErrObjectTooLarge,
		errObjectStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var stepErr *pipeline.StepError
	return errors.As(err, &stepErr)
}

type stepSummary struct {
	Index      int    `json:"index"`
	Operation  string `json:"operation"`
	ROI        string `json:"roi"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	DurationMS int64  `json:"duration_ms"`
	Warning    string `json:"warning,omitempty"`
}

func stepSummaries(reports []pipeline.StepReport) []stepSummary {
	out := make([]stepSummary, 0, len(reports))
	for _, r := range reports {
		summary := stepSummary{
			Index:      r.Index,
			Operation:  r.Operation,
			ROI:        r.ROI.String(),
			Width:      r.Width,
			Height:     r.Height,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Warning != nil {
			summary.Warning = r.Warning.Error()
		}
		out = append(out, summary)
	}
	return out
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "status": status}).WithError(err).Warn("job status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.WithFields(logrus.Fields{"job_id": payload.JobID, "event": event}).WithError(err).Warn("webhook delivery failed")
		return errors.Wrap(err, "dispatch webhook")
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, payload queue.ProcessImagePayload, result processing.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" && s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.WithField("job_id", payload.JobID).WithError(err).Warn("usage lookup failed")
		} else if ok {
			userID = strings.TrimSpace(job.UserID)
		}
	}
	if userID == "" {
		userID = "anonymous"
	}

	bytesSaved := int64(result.SourceBytes - result.Output.Bytes)
	if bytesSaved < 0 {
		bytesSaved = 0
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		StepsApplied:    len(result.Steps),
		PixelsProcessed: result.SourcePixels,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.RecordUsage(ctx, usage); err != nil {
		s.logger.WithField("job_id", payload.JobID).WithError(err).Warn("usage log write failed")
		return
	}

	s.metrics.observeUsage(usage)
}
