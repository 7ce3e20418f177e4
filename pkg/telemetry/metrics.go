package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for backend calls and job runs.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Backend metrics
	backendCalls     *prometheus.CounterVec
	backendDuration  *prometheus.HistogramVec
	backendErrors    *prometheus.CounterVec
	bytesTransferred *prometheus.CounterVec

	// Temporary resource metrics
	tempCreated     *prometheus.CounterVec
	tempDeleted     *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of jobs submitted",
			},
			[]string{"backend", "queue"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs that reached a terminal state",
			},
			[]string{"backend", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job runs in seconds, staging and cleanup included",
				Buckets:   buckets,
			},
			[]string{"backend", "status"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of jobs in flight",
			},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend calls",
			},
			[]string{"backend", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed backend calls",
			},
			[]string{"backend", "operation"},
		),
		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Payload bytes moved to or from a backend",
			},
			[]string{"backend", "direction"},
		),

		tempCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "temp_resources_created_total",
				Help:      "Temporary resources staged for jobs",
			},
			[]string{"backend"},
		),
		tempDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "temp_resources_deleted_total",
				Help:      "Temporary resources removed after jobs",
			},
			[]string{"backend"},
		),
		cleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Temporary resources that could not be removed",
			},
			[]string{"backend"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.bytesTransferred,
		m.tempCreated,
		m.tempDeleted,
		m.cleanupFailures,
		m.errorsByKind,
	)

	return m, nil
}

// Job Metrics

// RecordJobStarted increments the counter for submitted jobs.
func (m *Metrics) RecordJobStarted(backend, queue string) {
	if m == nil || m.jobsStarted == nil {
		return
	}
	m.jobsStarted.WithLabelValues(backend, queue).Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a terminal job with its status and duration.
func (m *Metrics) RecordJobCompleted(backend, status string, duration time.Duration) {
	if m == nil || m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(backend, status).Inc()
	m.jobDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// Backend Metrics

// RecordBackendCall records a backend call with its duration.
func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration) {
	if m == nil || m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(backend, operation string) {
	if m == nil || m.backendErrors == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend, operation).Inc()
}

// RecordBytes records payload bytes moved in the given direction (in, out).
func (m *Metrics) RecordBytes(backend, direction string, n int) {
	if m == nil || m.bytesTransferred == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(backend, direction).Add(float64(n))
}

// Temporary Resource Metrics

// RecordTempCreated records a staged temporary resource.
func (m *Metrics) RecordTempCreated(backend string) {
	if m == nil || m.tempCreated == nil {
		return
	}
	m.tempCreated.WithLabelValues(backend).Inc()
}

// RecordTempDeleted records a removed temporary resource.
func (m *Metrics) RecordTempDeleted(backend string) {
	if m == nil || m.tempDeleted == nil {
		return
	}
	m.tempDeleted.WithLabelValues(backend).Inc()
}

// RecordCleanupFailure records a temporary resource left behind.
func (m *Metrics) RecordCleanupFailure(backend string) {
	if m == nil || m.cleanupFailures == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(backend).Inc()
}

// Error Metrics

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil || kind == "" {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It does
// nothing when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}
