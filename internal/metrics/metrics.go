// Package metrics exposes Prometheus counters for the safety engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "safety_engine"

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	samplesTotal     *prometheus.CounterVec
	triggersTotal    *prometheus.CounterVec
	suppressedTotal  *prometheus.CounterVec
	cancelsTotal     *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	videosAttached   *prometheus.CounterVec
	windowFaults     prometheus.Counter
	skippedRules     *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// New registers the collectors with reg. Use prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		samplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Device events evaluated, by event type",
		}, []string{"type"}),
		triggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Countdowns started, by rule kind",
		}, []string{"kind"}),
		suppressedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_suppressed_total",
			Help:      "Violations dropped because an alert was already in flight",
		}, []string{"kind"}),
		cancelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Cancellation attempts, by result",
		}, []string{"result"}),
		escalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Countdowns that expired into an active alert",
		}, []string{"kind"}),
		videosAttached: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_attach_total",
			Help:      "Video attach requests, by outcome",
		}, []string{"outcome"}),
		windowFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_faults_total",
			Help:      "Rules evaluated without their malformed time window",
		}),
		skippedRules: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_skipped_total",
			Help:      "Rules skipped for missing parameters",
		}, []string{"kind"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed writes to external stores, by operation",
		}, []string{"op"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Signed-in protected users with a running engine",
		}),
	}
}

func (m *Metrics) Sample(eventType string) {
	if m == nil {
		return
	}
	m.samplesTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Triggered(kind string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Suppressed(kind string) {
	if m == nil {
		return
	}
	m.suppressedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Cancel(result string) {
	if m == nil {
		return
	}
	m.cancelsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Escalated(kind string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) VideoAttach(outcome string) {
	if m == nil {
		return
	}
	m.videosAttached.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WindowFault() {
	if m == nil {
		return
	}
	m.windowFaults.Inc()
}

func (m *Metrics) RuleSkipped(kind string) {
	if m == nil {
		return
	}
	m.skippedRules.WithLabelValues(kind).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
