// Package metrics exposes loop counters on a dedicated Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentloop"

type Metrics struct {
	registry *prometheus.Registry

	Steps       *prometheus.CounterVec
	Operations  *prometheus.CounterVec
	Checkpoints *prometheus.CounterVec
	Restores    *prometheus.CounterVec
	Deviations  *prometheus.CounterVec
	Compactions prometheus.Counter
	Sessions    prometheus.Gauge
	Events      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps that reached a final outcome, by outcome.",
		}, []string{"outcome"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Executed operations by kind, action and result.",
		}, []string{"kind", "action", "result"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Resolved checkpoints by type and resolution.",
		}, []string{"type", "resolution"}),
		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_actions_total",
			Help:      "Per-resource rollback actions by action and result.",
		}, []string{"action", "result"}),
		Deviations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deviations_total",
			Help:      "Deviation assessments by category.",
		}, []string{"type"}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_compactions_total",
			Help:      "Context compactions performed.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_running",
			Help:      "Sessions with a running loop.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.Steps, m.Operations, m.Checkpoints, m.Restores,
		m.Deviations, m.Compactions, m.Sessions, m.Events,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StepFinished(outcome string) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OperationExecuted(kind, action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(kind, action, result).Inc()
}

func (m *Metrics) CheckpointResolved(typ, resolution string) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(typ, resolution).Inc()
}

func (m *Metrics) RestoreAction(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Restores.WithLabelValues(action, result).Inc()
}

func (m *Metrics) DeviationAssessed(typ string) {
	if m == nil {
		return
	}
	m.Deviations.WithLabelValues(typ).Inc()
}

func (m *Metrics) Compacted() {
	if m == nil {
		return
	}
	m.Compactions.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) EventPublished(typ string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(typ).Inc()
}
