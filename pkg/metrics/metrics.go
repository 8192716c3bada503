// Package metrics owns the Prometheus registry of the chat core. Every
// method is safe on a nil *Metrics so components can run without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatcore"

type Metrics struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	activeTurns       prometheus.Gauge
	providerAttempts  *prometheus.CounterVec
	fallbacks         prometheus.Counter
	simulations       prometheus.Counter
	retrievalDuration prometheus.Histogram
	retrievalErrors   prometheus.Counter
	droppedEvents     *prometheus.CounterVec
}

// New creates a registry with process and Go collectors plus the chat metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by final state.",
		}, []string{"state"}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently in flight.",
		}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Generation attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Generations answered by a provider other than the primary.",
		}),
		simulations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulated_responses_total",
			Help:      "Generations answered by the offline simulator.",
		}),
		retrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_search_seconds",
			Help:      "Latency of retrieval searches including query embedding.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		retrievalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_errors_total",
			Help:      "Failed retrieval searches.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_dropped_events_total",
			Help:      "Room events not delivered to a slow subscriber.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.activeTurns, m.providerAttempts, m.fallbacks, m.simulations,
		m.retrievalDuration, m.retrievalErrors, m.droppedEvents,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

func (m *Metrics) TurnFinished(state string) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(state).Inc()
}

func (m *Metrics) ProviderAttempt(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerAttempts.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) Simulated() {
	if m == nil {
		return
	}
	m.simulations.Inc()
}

func (m *Metrics) ObserveRetrieval(d time.Duration, results int, err error) {
	if m == nil {
		return
	}
	m.retrievalDuration.Observe(d.Seconds())
	if err != nil {
		m.retrievalErrors.Inc()
	}
}

func (m *Metrics) DroppedEvent(name string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(name).Inc()
}
