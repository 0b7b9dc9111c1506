package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the custody engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Custody events by kind and outcome
	EventsRecorded *prometheus.CounterVec

	// Recorder failures by error class: validation, unauthenticated, store, partial
	RecordFailures *prometheus.CounterVec

	PartialWrites prometheus.Counter

	TrailRebuilds prometheus.Counter

	// Verdict changes observed by the tracker, by new verdict
	VerdictChanges *prometheus.CounterVec

	StreamPublished prometheus.Counter
	StreamDropped   prometheus.Counter
	StreamClients   prometheus.Gauge

	ReportDuration *prometheus.HistogramVec

	// Webhook delivery attempts, by result: success or failed
	WebhookDeliveries *prometheus.CounterVec
}

// New registers every collector on a dedicated registry so repeated calls in
// tests do not collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_events_recorded_total",
			Help: "Custody events persisted, by kind and outcome",
		}, []string{"kind", "outcome"}),
		RecordFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_record_failures_total",
			Help: "Rejected or failed custody writes, by error class",
		}, []string{"class"}),
		PartialWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_partial_writes_total",
			Help: "Events appended whose specimen snapshot update failed",
		}),
		TrailRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_trail_rebuilds_total",
			Help: "Full audit trail rebuilds from the event log",
		}),
		VerdictChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_compliance_verdict_changes_total",
			Help: "Compliance verdict transitions, by new verdict",
		}, []string{"verdict"}),
		StreamPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_stream_published_total",
			Help: "Summaries published on the live stream",
		}),
		StreamDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_stream_dropped_total",
			Help: "Summaries dropped for slow subscribers",
		}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_stream_subscribers",
			Help: "Current live stream subscribers",
		}),
		ReportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_report_duration_seconds",
			Help:    "Compliance report generation time, by report type and result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type", "result"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_webhook_deliveries_total",
			Help: "Outbound webhook delivery attempts, by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEventRecorded(kind, outcome string) {
	if m != nil {
		m.EventsRecorded.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncRecordFailure(class string) {
	if m != nil {
		m.RecordFailures.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) IncPartialWrite() {
	if m != nil {
		m.PartialWrites.Inc()
	}
}

func (m *Metrics) IncTrailRebuild() {
	if m != nil {
		m.TrailRebuilds.Inc()
	}
}

func (m *Metrics) IncVerdictChange(verdict string) {
	if m != nil {
		m.VerdictChanges.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) IncStreamPublished() {
	if m != nil {
		m.StreamPublished.Inc()
	}
}

func (m *Metrics) IncStreamDropped() {
	if m != nil {
		m.StreamDropped.Inc()
	}
}

func (m *Metrics) SetStreamClients(n int) {
	if m != nil {
		m.StreamClients.Set(float64(n))
	}
}

// ObserveReport records how long a report took; result is "ok", "timeout" or "error".
func (m *Metrics) ObserveReport(reportType, result string, d time.Duration) {
	if m != nil {
		m.ReportDuration.WithLabelValues(reportType, result).Observe(d.Seconds())
	}
}

func (m *Metrics) IncWebhookDelivery(result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}
