// Package metrics exposes the telemetry plane as Prometheus metrics. It
// registers a single bus telemetry handler that fans emissions out to
// counters and histograms keyed by event path, so subsystems never import
// Prometheus directly.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticehq/lattice/internal/lattice/bus"
)

// Collector owns the Prometheus registry and the metric families derived from
// telemetry events.
type Collector struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	reconcile  prometheus.Histogram
	execOutput prometheus.Counter
	execExits  *prometheus.CounterVec
	intents    *prometheus.CounterVec
	audits     *prometheus.CounterVec
}

// New builds a Collector and registers its metric families.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_events_total",
			Help: "Telemetry emissions by event path.",
		}, []string{"event"}),
		reconcile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lattice_fleet_reconcile_duration_seconds",
			Help:    "Duration of full fleet reconciliation passes.",
			Buckets: prometheus.DefBuckets,
		}),
		execOutput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_exec_output_bytes_total",
			Help: "Bytes streamed through exec sessions.",
		}),
		execExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_exec_completed_total",
			Help: "Exec sessions completed, by outcome.",
		}, []string{"outcome"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_intent_transitions_total",
			Help: "Intent state transitions, by destination state.",
		}, []string{"state"}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_audit_entries_total",
			Help: "Audit entries recorded, by result.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		c.events, c.reconcile, c.execOutput, c.execExits, c.intents, c.audits)
	return c
}

// Attach registers the collector's telemetry handler on the bus.
func (c *Collector) Attach(b *bus.Bus) {
	b.RegisterTelemetry(c.handle)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) handle(event string, measurements map[string]int64, metadata map[string]any) {
	c.events.WithLabelValues(event).Inc()

	switch {
	case event == bus.EventFleetReconcile:
		if ms, ok := measurements["duration_ms"]; ok {
			c.reconcile.Observe(float64(ms) / 1000)
		}
	case event == bus.EventExecOutput:
		c.execOutput.Add(float64(measurements["bytes"]))
	case event == bus.EventExecCompleted:
		outcome := "success"
		if measurements["exit_code"] != 0 {
			outcome = "failure"
		}
		c.execExits.WithLabelValues(outcome).Inc()
	case event == bus.EventSafetyAudit:
		if result, ok := metadata["result"].(string); ok {
			c.audits.WithLabelValues(result).Inc()
		}
	case strings.HasPrefix(event, "lattice.intent."):
		c.intents.WithLabelValues(strings.TrimPrefix(event, "lattice.intent.")).Inc()
	}
}
