package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/dunamismax/roiflow/internal/id"
	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/dunamismax/roiflow/internal/queue"
	"github.com/dunamismax/roiflow/internal/storage"
	"github.com/dunamismax/roiflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const defaultUserIDHeader = "X-User-ID"

type Server struct {
	logger       logrus.FieldLogger
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	storage      objectStorage
	registry     *operation.Registry
	allowEmpty   bool
	presignTTL   time.Duration
	rateLimiter  RateLimiter
	userIDHeader string
	tracer       trace.Tracer
	metrics      *metrics
	mux          *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueProcessImage(ctx context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Option func(s *Server)

func WithPresignTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.presignTTL = ttl
		}
	}
}

// WithRateLimiter meters job creation and start per caller. Callers are told
// apart by userIDHeader, which also becomes the job owner.
func WithRateLimiter(limiter RateLimiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		if strings.TrimSpace(userIDHeader) != "" {
			s.userIDHeader = userIDHeader
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithRegistry sets the operations jobs are validated against and that
// GET /v1/operations lists.
func WithRegistry(reg *operation.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

func WithAllowEmptyPipelines(allow bool) Option {
	return func(s *Server) {
		s.allowEmpty = allow
	}
}

func NewServer(logger logrus.FieldLogger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts ...Option) *Server {
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:       logger,
		queueClient:  queueClient,
		jobStore:     jobStore,
		storage:      storage,
		registry:     operation.Default,
		presignTTL:   15 * time.Minute,
		userIDHeader: defaultUserIDHeader,
		metrics:      newMetrics(),
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

// Handler returns the API wrapped in tracing and metrics.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /v1/operations", s.handleListOperations)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": s.registry.Entries(),
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	desc, err := req.Validate(s.registry, s.allowEmpty)
	if err != nil {
		s.metrics.jobsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeJSON(w, http.StatusBadRequest, validationBody(err))
		return
	}
	if !s.admit(w, r, createJobCost(desc)) {
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = storage.SourceKey(jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.WithField("job_id", jobID).WithError(err).Error("generate presigned url failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:           jobID,
		UserID:       strings.TrimSpace(r.Header.Get(s.userIDHeader)),
		Status:       domain.JobStatusCreated,
		SourceType:   sourceType,
		WebhookURL:   req.WebhookURL,
		Pipeline:     req.Pipeline,
		ObjectKey:    objectKey,
		OutputFormat: req.OutputFormat,
		Quality:      req.Quality,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Error("create job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	s.metrics.jobsCreated.WithLabelValues(job.SourceType).Inc()
	s.metrics.pipelineSteps.Observe(float64(len(desc.Steps)))
	s.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"source_type": job.SourceType,
		"steps":       len(desc.Steps),
	}).Info("job created")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"steps":  len(desc.Steps),
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

// validationBody lists every collected problem when the pipeline failed
// validation, so a client can fix them all in one round trip.
func validationBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}

	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		problems := make([]string, 0, len(verr.Problems))
		for _, p := range verr.Problems {
			problems = append(problems, p.Error())
		}
		body["problems"] = problems
	}
	return body
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithField("job_id", jobID).WithError(err).Error("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        job.ID,
		"status":        job.Status,
		"source_type":   job.SourceType,
		"object_key":    job.ObjectKey,
		"output_format": job.OutputFormat,
		"pipeline":      job.Pipeline,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := extractJobIDFromStartPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithField("job_id", jobID).WithError(err).Error("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is already %s", job.Status)})
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if !s.admit(w, r, startJobCost) {
		return
	}

	payload := queue.ProcessImagePayload{
		JobID:        job.ID,
		UserID:       job.UserID,
		SourceType:   job.SourceType,
		WebhookURL:   job.WebhookURL,
		ObjectKey:    job.ObjectKey,
		OutputFormat: job.OutputFormat,
		Quality:      job.Quality,
		Pipeline:     job.Pipeline,
		RequestedAt:  time.Now().UTC(),
		Trace:        map[string]string{},
	}
	otel.GetTextMapPropagator().Inject(r.Context(), propagation.MapCarrier(payload.Trace))

	taskInfo, err := s.queueClient.EnqueueProcessImage(r.Context(), payload)
	if errors.Is(err, queue.ErrAlreadyEnqueued) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is already enqueued"})
		return
	}
	if err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Error("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Warn("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return errors.Wrap(err, "source object check failed")
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return errors.Wrap(err, "source object check failed")
		}
		if !exists {
			return errors.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func extractJobIDFromStartPath(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/v1/jobs/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "start" {
		return "", errors.New("expected path format /v1/jobs/{id}/start")
	}
	return parts[0], nil
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
