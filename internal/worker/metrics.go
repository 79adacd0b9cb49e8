package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a private registry served by the worker's
// metrics listener.
type metrics struct {
	registry *prometheus.Registry

	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	outputsTotal *prometheus.CounterVec
	outputBytes  *prometheus.HistogramVec

	pixelsProcessed prometheus.Counter
	bytesSaved      prometheus.Counter
	computeTime     prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_worker_jobs_total",
			Help: "Finished jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roiflow_worker_job_duration_seconds",
			Help:    "Wall time from dequeue to final status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roiflow_worker_active_jobs",
			Help: "Jobs holding a processing slot.",
		}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_pipeline_steps_total",
			Help: "Pipeline steps by operation and outcome (ok, warning, failed).",
		}, []string{"operation", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roiflow_pipeline_step_duration_seconds",
			Help:    "Duration of a single pipeline step.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		outputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roiflow_worker_outputs_total",
			Help: "Encoded outputs by format.",
		}, []string{"format"}),
		outputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roiflow_worker_output_bytes",
			Help:    "Size of encoded outputs.",
			Buckets: prometheus.ExponentialBuckets(4<<10, 4, 8),
		}, []string{"format"}),
		pixelsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roiflow_usage_pixels_processed_total",
			Help: "Source pixels processed by successful jobs.",
		}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roiflow_usage_bytes_saved_total",
			Help: "Bytes saved by successful jobs.",
		}),
		computeTime: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roiflow_usage_compute_seconds_total",
			Help: "Compute time spent by successful jobs.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.stepsTotal,
		m.stepDuration,
		m.outputsTotal,
		m.outputBytes,
		m.pixelsProcessed,
		m.bytesSaved,
		m.computeTime,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeJob(sourceType, status string, elapsed time.Duration) {
	m.jobsTotal.WithLabelValues(sourceType, status).Inc()
	m.jobDuration.WithLabelValues(sourceType, status).Observe(elapsed.Seconds())
}

func (m *metrics) observeStep(operation, status string, elapsed time.Duration) {
	m.stepsTotal.WithLabelValues(operation, status).Inc()
	m.stepDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *metrics) observeOutput(format string, size int) {
	m.outputsTotal.WithLabelValues(format).Inc()
	m.outputBytes.WithLabelValues(format).Observe(float64(size))
}

func (m *metrics) observeUsage(u domain.UsageLog) {
	m.pixelsProcessed.Add(float64(u.PixelsProcessed))
	m.bytesSaved.Add(float64(u.BytesSaved))
	m.computeTime.Add(float64(u.ComputeTimeMS) / 1000)
}
