// Package telemetry exposes pipeline metrics to Prometheus.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process on its own registry
type Metrics struct {
	registry *prometheus.Registry

	processed        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	stepDuration     *prometheus.HistogramVec
	duplicates       *prometheus.CounterVec
	inFlight         prometheus.Gauge
	submissions      prometheus.Counter
	deadLettered     prometheus.Counter
	rateLimitRejects prometheus.Counter
	reaped           prometheus.Counter
}

func New(service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoices_processed_total",
			Help:        "Pipeline runs by outcome",
			ConstLabels: labels,
		}, []string{"outcome", "step"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "invoice_processing_duration_seconds",
			Help:        "Wall time of pipeline runs",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "invoice_step_duration_seconds",
			Help:        "Wall time of individual pipeline steps",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"step"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoice_duplicates_total",
			Help:        "Duplicates detected by method",
			ConstLabels: labels,
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "invoice_runs_inflight",
			Help:        "Pipeline runs currently executing",
			ConstLabels: labels,
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoice_submissions_total",
			Help:        "Async submissions published or consumed",
			ConstLabels: labels,
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoice_submissions_dead_letter_total",
			Help:        "Submissions moved to the DLQ",
			ConstLabels: labels,
		}),
		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoice_upload_rate_limit_rejects_total",
			Help:        "Uploads rejected by the rate limiter",
			ConstLabels: labels,
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoice_stale_runs_reaped_total",
			Help:        "Records stuck in PROCESSING that were failed by the reaper",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.processed,
		m.runDuration,
		m.stepDuration,
		m.duplicates,
		m.inFlight,
		m.submissions,
		m.deadLettered,
		m.rateLimitRejects,
		m.reaped,
	)
	return m
}

// Handler exposes /metrics for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordProcessingSuccess(d time.Duration) {
	m.processed.WithLabelValues("success", "").Inc()
	m.runDuration.WithLabelValues("success").Observe(d.Seconds())
}

func (m *Metrics) RecordProcessingFailure(step string, d time.Duration) {
	m.processed.WithLabelValues("failure", step).Inc()
	m.runDuration.WithLabelValues("failure").Observe(d.Seconds())
}

func (m *Metrics) RecordDuplicate(method string) {
	m.processed.WithLabelValues("duplicate", "").Inc()
	m.duplicates.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordStepDuration(step string, d time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) RunStarted()  { m.inFlight.Inc() }
func (m *Metrics) RunFinished() { m.inFlight.Dec() }

func (m *Metrics) SubmissionSeen()    { m.submissions.Inc() }
func (m *Metrics) DeadLettered()      { m.deadLettered.Inc() }
func (m *Metrics) RateLimitRejected() { m.rateLimitRejects.Inc() }

func (m *Metrics) RecordsReaped(n int) {
	m.reaped.Add(float64(n))
}
