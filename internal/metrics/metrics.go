// Package metrics holds the Prometheus collectors of the bridge.  All methods
// are safe on a nil *Metrics so tests and tools can skip instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Audio directions.
const (
	DirectionInbound  = "caller_to_model"
	DirectionOutbound = "model_to_caller"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	AudioFrames      *prometheus.CounterVec
	AudioDropped     *prometheus.CounterVec
	TurnCorrections  prometheus.Counter
	ClosingDecisions *prometheus.CounterVec
	TaskFailures     *prometheus.CounterVec
	MalformedFrames  *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "intake"
	}
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently bridged",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished calls by final phase",
		}, []string{"outcome"}),
		AudioFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames relayed",
		}, []string{"direction"}),
		AudioDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped because the other leg was not ready",
		}, []string{"direction"}),
		TurnCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_corrections_total",
			Help:      "Assistant turns cut back to a single question",
		}),
		ClosingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closing_decisions_total",
			Help:      "Closing protocol outcomes for caller utterances",
		}, []string{"decision"}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Background persistence/extraction/summary failures",
		}, []string{"task"}),
		MalformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded",
		}, []string{"leg"}),
	}
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.AudioFrames,
		m.AudioDropped,
		m.TurnCorrections,
		m.ClosingDecisions,
		m.TaskFailures,
		m.MalformedFrames,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AudioRelayed(direction string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction).Inc()
}

func (m *Metrics) AudioDroppedFrame(direction string) {
	if m == nil {
		return
	}
	m.AudioDropped.WithLabelValues(direction).Inc()
}

func (m *Metrics) TurnCorrected() {
	if m == nil {
		return
	}
	m.TurnCorrections.Inc()
}

func (m *Metrics) ClosingDecision(decision string) {
	if m == nil {
		return
	}
	m.ClosingDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) TaskFailed(task string) {
	if m == nil {
		return
	}
	m.TaskFailures.WithLabelValues(task).Inc()
}

func (m *Metrics) MalformedFrame(leg string) {
	if m == nil {
		return
	}
	m.MalformedFrames.WithLabelValues(leg).Inc()
}
