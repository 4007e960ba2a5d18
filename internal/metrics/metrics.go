// Package metrics exposes Prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxd"

// Metrics groups the collectors updated by the engine.
type Metrics struct {
	registry *prometheus.Registry

	MergeOutcomes     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	EventsDispatched  *prometheus.CounterVec
	PollFailures      *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	OptimisticExpired prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MergeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_outcomes_total",
			Help:      "Message status merges by outcome.",
		}, []string{"outcome"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Push events handled by type.",
		}, []string{"type"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Failed polls by resource.",
		}, []string{"resource"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Poll latency by resource.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		OptimisticExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_expired_total",
			Help:      "Optimistic messages marked failed after the confirmation timeout.",
		}),
	}
	m.registry.MustRegister(
		m.MergeOutcomes,
		m.ReconnectAttempts,
		m.EventsDispatched,
		m.PollFailures,
		m.PollDuration,
		m.OptimisticExpired,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Merge records one status merge outcome.
func (m *Metrics) Merge(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MergeOutcomes.WithLabelValues(outcome).Add(float64(n))
}

// Reconnect records one reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// Dispatched records a handled push event.
func (m *Metrics) Dispatched(eventType string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(eventType).Inc()
}

// Poll records a finished poll.
func (m *Metrics) Poll(resource string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.PollDuration.WithLabelValues(resource).Observe(seconds)
	if err != nil {
		m.PollFailures.WithLabelValues(resource).Inc()
	}
}

// Expired records optimistic messages that timed out.
func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OptimisticExpired.Add(float64(n))
}
