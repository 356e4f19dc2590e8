// Package metrics exposes saga execution metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
)

var _ coordinator.Observer = (*Metrics)(nil)

// Metrics implements coordinator.Observer.
type Metrics struct {
	ExecutionsStarted    *prometheus.CounterVec
	ExecutionsFinished   *prometheus.CounterVec
	ExecutionsActive     prometheus.Gauge
	ExecutionDuration    *prometheus.HistogramVec
	StepsDispatched      *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec
	RepliesIgnored       prometheus.Counter
	gatherer             prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with registry, or with a fresh isolated one when nil.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_started_total",
			Help: "Saga executions started, by saga.",
		}, []string{"saga"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_finished_total",
			Help: "Saga executions reaching a terminal status, by saga and status.",
		}, []string{"saga", "status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_executions_active",
			Help: "Saga executions started and not yet terminal.",
		}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_execution_duration_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga", "status"}),
		StepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_commands_sent_total",
			Help: "Commands sent to participants, by saga, participant and kind.",
		}, []string{"saga", "participant", "kind"}),
		CompensationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Compensation commands that could not be delivered.",
		}, []string{"saga", "participant"}),
		RepliesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_replies_ignored_total",
			Help: "Duplicate, late or unknown replies.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsFinished,
		m.ExecutionsActive,
		m.ExecutionDuration,
		m.StepsDispatched,
		m.CompensationFailures,
		m.RepliesIgnored,
	)
	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ExecutionStarted(saga string) {
	m.ExecutionsStarted.WithLabelValues(saga).Inc()
	m.ExecutionsActive.Inc()
}

func (m *Metrics) StepDispatched(saga, participant string, kind coordinator.CommandKind) {
	m.StepsDispatched.WithLabelValues(saga, participant, string(kind)).Inc()
}

func (m *Metrics) ExecutionFinished(saga string, status coordinator.Status, elapsed time.Duration) {
	m.ExecutionsFinished.WithLabelValues(saga, string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(saga, string(status)).Observe(elapsed.Seconds())
	m.ExecutionsActive.Dec()
}

func (m *Metrics) CompensationFailed(saga, participant string) {
	m.CompensationFailures.WithLabelValues(saga, participant).Inc()
}

func (m *Metrics) ReplyIgnored() {
	m.RepliesIgnored.Inc()
}
