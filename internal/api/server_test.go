package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/dunamismax/roiflow/internal/queue"
	"github.com/dunamismax/roiflow/internal/ratelimit"
	"github.com/dunamismax/roiflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const validPipeline = `{"roi":{"x":0,"y":0,"width":50,"height":50},"operations":[{"type":"blur","parameters":{"kernel_size":5,"sigma":1.5}}]}`

type fakeQueue struct {
	payloads []queue.ProcessImagePayload
}

func (q *fakeQueue) EnqueueProcessImage(_ context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://minio.local/" + objectKey + "?signed", nil
}

func (s fakeStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return s.objects[objectKey], nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Limit: 10, RetryAfter: 1500 * time.Millisecond}, nil
}

type recordingLimiter struct {
	subjects []string
	costs    []int64
}

func (l *recordingLimiter) Allow(_ context.Context, subject string, cost int64) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	l.costs = append(l.costs, cost)
	return ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 9}, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeQueue, *store.MemoryJobStore) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{}
	jobs := store.NewMemoryJobStore()
	return NewServer(logger, q, jobs, fakeStorage{objects: map[string]bool{}}, opts...), q, jobs
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func TestExtractJobIDFromStartPath(t *testing.T) {
	jobID, err := extractJobIDFromStartPath("/v1/jobs/abc123/start")
	require.NoError(t, err)
	assert.Equal(t, "abc123", jobID)

	_, err = extractJobIDFromStartPath("/v1/jobs/abc123")
	assert.Error(t, err)
}

func TestListOperations(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := do(t, s.Handler(), http.MethodGet, "/v1/operations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ops, ok := body["operations"].([]any)
	require.True(t, ok)
	require.Len(t, ops, 5)

	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, op.(map[string]any)["type"].(string))
	}
	assert.Equal(t, []string{"brightness", "blur", "crop", "sharpen", "contrast"}, names)
}

func TestCreateAndStartLocalJob(t *testing.T) {
	s, q, jobs := newTestServer(t)
	h := s.Handler()

	source := filepath.Join(t.TempDir(), "in.png")
	req := map[string]any{
		"source_type":   domain.SourceTypeLocalFile,
		"object_key":    source,
		"output_format": "jpeg",
		"pipeline":      json.RawMessage(validPipeline),
	}

	rec, body := do(t, h, http.MethodPost, "/v1/jobs", req, map[string]string{"X-User-ID": "user-9"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := body["job_id"].(string)
	assert.EqualValues(t, 1, body["steps"])

	job, ok, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-9", job.UserID)
	assert.Equal(t, domain.JobStatusCreated, job.Status)

	rec, _ = do(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "source file does not exist yet")

	require.NoError(t, os.WriteFile(source, []byte("png"), 0o644))
	rec, body = do(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JobStatusQueued, body["status"])

	require.Len(t, q.payloads, 1)
	assert.Equal(t, "user-9", q.payloads[0].UserID)
	assert.Equal(t, "jpeg", q.payloads[0].OutputFormat)
	assert.JSONEq(t, validPipeline, string(q.payloads[0].Pipeline))

	rec, _ = do(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a queued job cannot be started twice")

	rec, body = do(t, h, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobStatusQueued, body["status"])
}

func TestCreatePresignedJob(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeS3Presigned,
		"pipeline":    json.RawMessage(validPipeline),
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	upload := body["upload"].(map[string]any)
	assert.Equal(t, "uploads/"+body["job_id"].(string)+"/source", upload["object_key"])
	assert.Equal(t, "ready", upload["presigned_url_state"])
	assert.Contains(t, upload["presigned_put_url"], "?signed")
}

func TestCreateJobReportsAllPipelineProblems(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeS3Presigned,
		"pipeline":    json.RawMessage(`{"operations":[{"type":"emboss"},{"type":"brightness"}]}`),
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	problems, ok := body["problems"].([]any)
	require.True(t, ok)
	assert.Len(t, problems, 2)
}

func TestCreateJobRejectsMalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{"unknown": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, _ := do(t, s.Handler(), http.MethodGet, "/v1/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	s, q, _ := newTestServer(t, WithRateLimiter(denyAll{}, "X-Tenant"))

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeS3Presigned,
		"pipeline":    json.RawMessage(validPipeline),
	}, map[string]string{"X-Tenant": "t-1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, q.payloads)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.rateLimitRejected.WithLabelValues("/v1/jobs")))

	rec, _ = do(t, s.Handler(), http.MethodGet, "/v1/operations", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not rate limited")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/jobs/{id}/start", routeLabel("/v1/jobs/abc/start"))
	assert.Equal(t, "/v1/jobs/{id}", routeLabel("/v1/jobs/abc"))
	assert.Equal(t, "/v1/jobs", routeLabel("/v1/jobs"))
	assert.Equal(t, "/v1/operations", routeLabel("/v1/operations"))
	assert.Equal(t, "other", routeLabel("/favicon.ico"))
}

func TestCreateJobChargesPerStep(t *testing.T) {
	limiter := &recordingLimiter{}
	s, _, _ := newTestServer(t, WithRateLimiter(limiter, "X-Tenant"))

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeS3Presigned,
		"pipeline":    json.RawMessage(`{"operations":[{"type":"sharpen"},{"type":"crop"},{"type":"contrast","parameters":{"factor":2}}]}`),
	}, map[string]string{"X-Tenant": "t-2"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Equal(t, []int64{4}, limiter.costs)
	assert.Equal(t, []string{"t-2:/v1/jobs"}, limiter.subjects)
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.jobsCreated.WithLabelValues(domain.SourceTypeS3Presigned)))
}

func TestInvalidPipelineIsNotCharged(t *testing.T) {
	limiter := &recordingLimiter{}
	s, _, _ := newTestServer(t, WithRateLimiter(limiter, ""))

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeS3Presigned,
		"pipeline":    json.RawMessage(`{"operations":[]}`),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, limiter.costs)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.jobsRejected.WithLabelValues("empty_pipeline")))
}

func TestStartRejectsMalformedJobID(t *testing.T) {
	s, q, _ := newTestServer(t)

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/jobs/../start", nil, nil)
	assert.NotEqual(t, http.StatusAccepted, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodPost, "/v1/jobs/not-an-id/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, q.payloads)
}

type conflictQueue struct{}

func (conflictQueue) EnqueueProcessImage(_ context.Context, p queue.ProcessImagePayload) (*asynq.TaskInfo, error) {
	return nil, errors.Wrap(queue.ErrAlreadyEnqueued, p.JobID)
}

func TestStartJobAlreadyEnqueued(t *testing.T) {
	logger, _ := test.NewNullLogger()
	jobs := store.NewMemoryJobStore()
	s := NewServer(logger, conflictQueue{}, jobs, fakeStorage{objects: map[string]bool{}})

	source := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(source, []byte("png"), 0o644))
	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeLocalFile,
		"object_key":  source,
		"pipeline":    json.RawMessage(validPipeline),
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec, _ = do(t, s.Handler(), http.MethodPost, "/v1/jobs/"+body["job_id"].(string)+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartJobPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator()) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	s, q, _ := newTestServer(t, WithTracer(tp.Tracer("test")))

	source := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(source, []byte("png"), 0o644))
	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": domain.SourceTypeLocalFile,
		"object_key":  source,
		"pipeline":    json.RawMessage(validPipeline),
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec, _ = do(t, s.Handler(), http.MethodPost, "/v1/jobs/"+body["job_id"].(string)+"/start", nil, map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, q.payloads, 1)
	assert.Contains(t, q.payloads[0].Trace["traceparent"], traceID)
}
