// Package metrics holds the prometheus metrics of the recorder backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on their own registry so several backends can
// live in one process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived *prometheus.CounterVec
	ReceiveErrors  prometheus.Counter
	LateEvents     prometheus.Counter
	BlocksWritten  prometheus.Counter
	BlockBytes     prometheus.Counter
	ReceiveLatency prometheus.Histogram
}

// New creates the metrics and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inspector_events_received_total",
				Help: "Trace events read from the event queue",
			},
			[]string{"type"},
		),
		ReceiveErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inspector_receive_errors_total",
				Help: "Trace events that could not be stored",
			},
		),
		LateEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inspector_late_events_total",
				Help: "Trace events that arrived after newer events were stored",
			},
		),
		BlocksWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inspector_blocks_written_total",
				Help: "Storage blocks sealed",
			},
		),
		BlockBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inspector_block_bytes_total",
				Help: "Compressed bytes written to storage blocks",
			},
		),
		ReceiveLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inspector_event_latency_seconds",
				Help:    "Time between an event being emitted and being received",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
