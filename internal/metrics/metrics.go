package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder increments counters for gate, completion and refresh events.
type Recorder interface {
	Increment(event string)
}

// Nop discards all events.
type Nop struct{}

// Increment does nothing.
func (Nop) Increment(string) {}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exposes events as a labelled counter on its own registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the actiongate_events_total counter on a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiongate_events_total",
			Help: "Authentication gate, OAuth completion and token refresh events.",
		},
		[]string{"event"},
	)
	registry.MustRegister(events)
	return &PrometheusMetrics{registry: registry, events: events}
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}
