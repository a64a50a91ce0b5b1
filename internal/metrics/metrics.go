// Package metrics exposes launch-engine instrumentation through a
// dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the launch engine's prometheus metrics.
type Collector struct {
	launchesTotal    *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	queueDepth       prometheus.Gauge
	launchDuration   prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "multiblox"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of launch sessions by outcome",
		},
		[]string{"outcome"},
	)
	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)
	c.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently in launching or running state",
		},
	)
	c.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launch_queue_depth",
			Help:      "Requests waiting for admission",
		},
	)
	c.launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from admission to the running state",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.registry.MustRegister(
		c.launchesTotal,
		c.stateTransitions,
		c.activeSessions,
		c.queueDepth,
		c.launchDuration,
	)
	return c
}

// RecordOutcome counts a terminal session by outcome label.
func (c *Collector) RecordOutcome(outcome string) {
	c.launchesTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a session state transition.
func (c *Collector) RecordTransition(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// SetActiveSessions updates the active-session gauge.
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// SetQueueDepth updates the queue-depth gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveLaunchDuration records seconds from admission to running.
func (c *Collector) ObserveLaunchDuration(seconds float64) {
	c.launchDuration.Observe(seconds)
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
