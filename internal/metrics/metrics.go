// Package metrics exposes Prometheus instrumentation for the risk engine on
// a dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"security-risk-engine/internal/alerting"
	"security-risk-engine/internal/audit"
	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/queue"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/schema"
)

const namespace = "risk_engine"

// Metrics holds the engine's collectors. Create one per process with New.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed  *prometheus.CounterVec
	EventsRejected   prometheus.Counter
	RiskScore        prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	DetectorFindings *prometheus.CounterVec
	DetectorErrors   *prometheus.CounterVec
	Reports          *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry, including
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_processed_total", Help: "Security events scored and persisted"},
			[]string{"severity", "threat_type"},
		),
		EventsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_rejected_total", Help: "Security events that failed validation"},
		),
		RiskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "risk_score", Help: "Distribution of assigned risk scores",
				Buckets: []float64{10, 24, 35, 49, 60, 69, 79, 90, 100}},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "stage_duration_seconds", Help: "Pipeline stage latency",
				Buckets: prometheus.DefBuckets},
			[]string{"stage"},
		),
		DetectorFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "detector_findings_total", Help: "Correlation findings persisted"},
			[]string{"detector", "kind"},
		),
		DetectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "detector_errors_total", Help: "Detector failures, panics and timeouts"},
			[]string{"detector"},
		),
		Reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "reports_generated_total", Help: "Security reports generated"},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsProcessed,
		m.EventsRejected,
		m.RiskScore,
		m.StageDuration,
		m.DetectorFindings,
		m.DetectorErrors,
		m.Reports,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent records one scored event.
func (m *Metrics) ObserveEvent(event *schema.SecurityEvent) {
	m.EventsProcessed.WithLabelValues(string(event.SecurityLevel), string(event.ThreatType)).Inc()
	m.RiskScore.Observe(float64(event.RiskScore))
}

// ObserveRejected records one event that failed validation.
func (m *Metrics) ObserveRejected() { m.EventsRejected.Inc() }

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFinding implements correlation.Observer.
func (m *Metrics) ObserveFinding(detector string, kind correlation.FindingKind) {
	m.DetectorFindings.WithLabelValues(detector, string(kind)).Inc()
}

// ObserveDetectorError implements correlation.Observer.
func (m *Metrics) ObserveDetectorError(detector string) {
	m.DetectorErrors.WithLabelValues(detector).Inc()
}

// ObserveReport records a generated report.
func (m *Metrics) ObserveReport(r *reporting.Report) {
	m.Reports.WithLabelValues(string(r.Status)).Inc()
}

var _ correlation.Observer = (*Metrics)(nil)

// AuditStats is implemented by *audit.Adapter.
type AuditStats interface {
	Stats() audit.Stats
}

// RegisterAudit exports the audit adapter's codec counters.
func (m *Metrics) RegisterAudit(src AuditStats) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "audit", Name: "metadata_sealed_total", Help: "Metadata payloads encrypted at rest"},
			func() float64 { return float64(src.Stats().Sealed) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "audit", Name: "seal_fallbacks_total", Help: "Metadata payloads stored as plaintext after an encryption failure"},
			func() float64 { return float64(src.Stats().SealFallbacks) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "audit", Name: "unseal_failures_total", Help: "Stored metadata that could not be decrypted"},
			func() float64 { return float64(src.Stats().UnsealFailures) },
		),
	)
}

// DispatcherStats is implemented by *alerting.Dispatcher.
type DispatcherStats interface {
	Stats() alerting.Stats
	QueueMetrics() queue.QueueMetrics
}

// RegisterDispatcher exports alert delivery counters and queue depth.
func (m *Metrics) RegisterDispatcher(src DispatcherStats) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "submitted_total", Help: "Alert tasks accepted by the queue"},
			func() float64 { return float64(src.Stats().Submitted) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "dropped_total", Help: "Alert tasks dropped because the queue was full or closed"},
			func() float64 { return float64(src.Stats().Dropped) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "delivered_total", Help: "Alerts delivered to at least one broadcaster"},
			func() float64 { return float64(src.Stats().Delivered) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "broadcast_failures_total", Help: "Failed broadcaster deliveries"},
			func() float64 { return float64(src.Stats().BroadcastFailures) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "alerts", Name: "queue_depth", Help: "Alert tasks waiting for a worker"},
			func() float64 { return float64(src.QueueMetrics().Depth) },
		),
	)
}
