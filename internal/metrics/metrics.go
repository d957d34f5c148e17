// Package metrics holds the engine's Prometheus collectors.
//
// Each Metrics value owns a private registry so that several engines (and
// parallel tests) never share counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pubengine"

// Metrics is the set of collectors the engine reports to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Registry holds the collectors below.
	Registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	handlerOutcomes *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	unappliedHunks  prometheus.Counter
	resolutions     *prometheus.CounterVec
	exclusions      *prometheus.CounterVec
	cascadeDropped  *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Version lifecycle transitions, by resulting status.",
			},
			[]string{"operation", "status"},
		),

		handlerOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "handler_outcomes_total",
				Help:      "Handler invocations, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "handler_duration_seconds",
				Help:      "Duration of handler invocations.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"kind"},
		),

		unappliedHunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "merge",
				Name:      "unapplied_hunks_total",
				Help:      "Overlay hunks whose anchor could not be located.",
			},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "merge",
				Name:      "resolutions_total",
				Help:      "Artifact resolutions, by structure check result.",
			},
			[]string{"structured"},
		),

		exclusions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "customizations",
				Name:      "exclusions_total",
				Help:      "Customizations excluded during resolution, by reason.",
			},
			[]string{"reason"},
		),

		cascadeDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "cascade_dropped_total",
				Help:      "Emitted events dropped by the cascade guard, by reason.",
			},
			[]string{"reason"},
		),
	}

	m.Registry.MustRegister(
		m.transitions,
		m.handlerOutcomes,
		m.handlerDuration,
		m.unappliedHunks,
		m.resolutions,
		m.exclusions,
		m.cascadeDropped,
	)
	return m
}

// RecordTransition counts a lifecycle write (create, update, publish, revert).
func (m *Metrics) RecordTransition(operation, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, status).Inc()
}

// RecordHandler counts one handler invocation. outcome is "ok", "error"
// or "timeout".
func (m *Metrics) RecordHandler(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	m.handlerOutcomes.WithLabelValues(kind, outcome).Inc()
	m.handlerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordResolution counts a resolved artifact and its unapplied hunks.
func (m *Metrics) RecordResolution(structured bool, unapplied int) {
	if m == nil {
		return
	}
	label := "false"
	if structured {
		label = "true"
	}
	m.resolutions.WithLabelValues(label).Inc()
	if unapplied > 0 {
		m.unappliedHunks.Add(float64(unapplied))
	}
}

// RecordExclusion counts one excluded customization.
func (m *Metrics) RecordExclusion(reason string) {
	if m == nil {
		return
	}
	m.exclusions.WithLabelValues(reason).Inc()
}

// RecordCascadeDrop counts an emitted event the cascade guard refused.
func (m *Metrics) RecordCascadeDrop(reason string) {
	if m == nil {
		return
	}
	m.cascadeDropped.WithLabelValues(reason).Inc()
}

// WriteTextfile dumps the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
