// Package metrics exposes Prometheus metrics for the optimizer service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Stage results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Registry holds every metric of the service on its own Prometheus registry
type Registry struct {
	registry *prometheus.Registry

	// Pipeline stage metrics
	StageDuration *prometheus.HistogramVec
	StageResults  *prometheus.CounterVec
	StageRetries  *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
	Requests        *prometheus.CounterVec

	// Export and job metrics
	Exports    *prometheus.CounterVec
	Webhooks   *prometheus.CounterVec
	ActiveJobs prometheus.Gauge

	// Scheduled maintenance metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	log zerolog.Logger
}

// NewRegistry creates and registers all service metrics
func NewRegistry(log zerolog.Logger) *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saa_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		StageResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_stage_results_total",
				Help: "Pipeline stage outcomes by error kind",
			},
			[]string{"stage", "result"},
		),

		StageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_stage_retries_total",
				Help: "Relaxed retries after a non-converged solve",
			},
			[]string{"stage"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saa_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "method", "status"},
		),

		Exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_exports_total",
				Help: "Workbook uploads to object storage",
			},
			[]string{"result"},
		),

		Webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_webhooks_total",
				Help: "Webhook deliveries",
			},
			[]string{"result"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "saa_active_jobs",
				Help: "Generate jobs currently processing",
			},
		),

		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saa_scheduled_job_runs_total",
				Help: "Scheduled maintenance job runs by outcome",
			},
			[]string{"job", "result"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saa_scheduled_job_duration_seconds",
				Help:    "Scheduled maintenance job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),

		log: log.With().Str("component", "metrics").Logger(),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.StageResults,
		m.StageRetries,
		m.RequestDuration,
		m.Requests,
		m.Exports,
		m.Webhooks,
		m.ActiveJobs,
		m.JobRuns,
		m.JobDuration,
	)

	return m
}

// StepTimer tracks execution time for one pipeline stage
type StepTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStage begins timing a pipeline stage
func (m *Registry) StartStage(stage string) *StepTimer {
	return &StepTimer{metrics: m, stage: stage, start: time.Now()}
}

// Stop records the stage duration under result
func (st *StepTimer) Stop(result string) time.Duration {
	d := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(d.Seconds())
	st.metrics.StageResults.WithLabelValues(st.stage, result).Inc()

	st.metrics.log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", d).
		Msg("Pipeline stage completed")
	return d
}

// RecordRetry counts a relaxed retry of a stage
func (m *Registry) RecordRetry(stage string) {
	m.StageRetries.WithLabelValues(stage).Inc()
}

// RecordRequest records one HTTP request
func (m *Registry) RecordRequest(route, method string, status int, d time.Duration) {
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
	m.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// RecordExport records one workbook upload
func (m *Registry) RecordExport(err error) {
	m.Exports.WithLabelValues(result(err)).Inc()
}

// RecordWebhook records one webhook delivery
func (m *Registry) RecordWebhook(err error) {
	m.Webhooks.WithLabelValues(result(err)).Inc()
}

// RecordJob records one scheduled job run
func (m *Registry) RecordJob(job string, d time.Duration, err error) {
	m.JobRuns.WithLabelValues(job, result(err)).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry, mainly for tests
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the Prometheus exposition handler
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
