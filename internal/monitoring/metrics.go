package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/osa-gateway/internal/model"
)

// MetricsNamespace prefixes every gateway metric.
const MetricsNamespace = "osa"

// Metrics holds the Prometheus collectors for served content.
type Metrics struct {
	ContentServed    *prometheus.CounterVec
	ContentDuration  *prometheus.HistogramVec
	ContentDegraded  prometheus.Counter
	GateResults      *prometheus.CounterVec
	CacheRequests    *prometheus.CounterVec
	AuditSinkErrors  *prometheus.CounterVec
	DuplicateAlerts  prometheus.Counter
	PageOverallState *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ContentServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "content",
			Name:      "served_total",
			Help:      "Content responses by source kind and validation status",
		}, []string{"kind", "validation_status"}),
		ContentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "content",
			Name:      "duration_seconds",
			Help:      "Time to serve a content request",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"cache"}),
		ContentDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "content",
			Name:      "degraded_total",
			Help:      "Content responses served below fresh_enriched",
		}),
		GateResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "gate",
			Name:      "results_total",
			Help:      "Gate results by gate and action",
		}, []string{"gate", "action"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		AuditSinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "audit",
			Name:      "sink_errors_total",
			Help:      "Failed audit sink writes",
		}, []string{"sink"}),
		DuplicateAlerts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "gate",
			Name:      "duplicate_escalations_total",
			Help:      "Cross-page duplicate content escalations",
		}),
		PageOverallState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "health",
			Name:      "page_overall",
			Help:      "1 for the current overall color of each page",
		}, []string{"page_id", "overall"}),
	}
}

// ObserveContent implements pipeline.Observer.
func (m *Metrics) ObserveContent(cs model.ContentSource, cacheHit bool, elapsed time.Duration) {
	m.ContentServed.WithLabelValues(string(cs.Kind), string(cs.ValidationStatus)).Inc()
	if cs.Degraded() {
		m.ContentDegraded.Inc()
	}
	result := "miss"
	if cacheHit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
	m.ContentDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	if !cacheHit {
		for _, g := range cs.Gates {
			m.GateResults.WithLabelValues(string(g.Gate), g.ActionTaken).Inc()
		}
	}
}

// SetPageOverall records the latest color of a page.
func (m *Metrics) SetPageOverall(pageID string, overall model.OverallStatus) {
	for _, s := range []model.OverallStatus{model.OverallGreen, model.OverallYellow, model.OverallRed, model.OverallPending} {
		v := 0.0
		if s == overall {
			v = 1
		}
		m.PageOverallState.WithLabelValues(pageID, string(s)).Set(v)
	}
}
