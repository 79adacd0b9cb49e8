package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	jobsCreated       *prometheus.CounterVec
	jobsRejected      *prometheus.CounterVec
	pipelineSteps     prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roiflow_api_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_api_rate_limit_rejections_total",
			Help: "Requests refused because the caller ran out of tokens.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_queue_jobs_enqueued_total",
			Help: "Jobs handed to the processing queue.",
		}, []string{"queue"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_api_jobs_created_total",
			Help: "Jobs accepted with a valid pipeline.",
		}, []string{"source_type"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_api_jobs_rejected_total",
			Help: "Job submissions refused before any pixel work.",
		}, []string{"reason"}),
		pipelineSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roiflow_api_pipeline_steps",
			Help:    "Number of steps in accepted pipelines.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.jobsCreated,
		m.jobsRejected,
		m.pipelineSteps,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		m.requestTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// rejectReason buckets a CreateJobRequest.Validate error into a low
// cardinality label.
func rejectReason(err error) string {
	var verr *pipeline.ValidationError
	switch {
	case errors.Is(err, pipeline.ErrEmptyPipeline):
		return "empty_pipeline"
	case errors.As(err, &verr):
		return "invalid_pipeline"
	case errors.Is(err, pipeline.ErrMalformedDescription):
		return "malformed_pipeline"
	default:
		return "invalid_request"
	}
}

var routes = []struct {
	prefix, suffix, label string
}{
	{"/v1/jobs/", "/start", "/v1/jobs/{id}/start"},
	{"/v1/jobs/", "", "/v1/jobs/{id}"},
	{"/v1/jobs", "", "/v1/jobs"},
	{"/v1/operations", "", "/v1/operations"},
	{"/healthz", "", "/healthz"},
	{"/metrics", "", "/metrics"},
}

// routeLabel maps a request path to its route template. Unknown paths
// collapse to "other" to keep label cardinality bounded.
func routeLabel(path string) string {
	for _, r := range routes {
		if strings.HasPrefix(path, r.prefix) && strings.HasSuffix(path, r.suffix) {
			return r.label
		}
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
