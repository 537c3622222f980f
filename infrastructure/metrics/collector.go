// Package metrics exports guest runtime lifecycle events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/domain/ports"
)

// Collector is a ports.Observer backed by Prometheus metrics.
type Collector struct {
	transitions *prometheus.CounterVec
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	state       prometheus.Gauge
	gatherer    prometheus.Gatherer
}

var _ ports.Observer = (*Collector)(nil)

// NewCollector creates the lifecycle metrics and registers them with reg.
// A nil reg uses a fresh registry, served by Handler.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guest_runtime_transitions_total",
				Help: "Lifecycle state transitions of the guest runtime",
			},
			[]string{"from", "to"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guest_runtime_calls_total",
				Help: "Lifecycle operations by outcome status",
			},
			[]string{"op", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guest_runtime_call_duration_seconds",
				Help:    "Duration of lifecycle operations including the native call",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"op"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guest_runtime_state",
				Help: "Current lifecycle state (0 uninitialized, 1 starting, 2 running, 3 stopping)",
			},
		),
		gatherer: gatherer,
	}

	for _, m := range []prometheus.Collector{c.transitions, c.calls, c.duration, c.state} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Transition implements ports.Observer.
func (c *Collector) Transition(from, to entities.RuntimeState) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
	c.state.Set(float64(to))
}

// Call implements ports.Observer.
func (c *Collector) Call(op string, status entities.StatusCode, elapsed time.Duration) {
	c.calls.WithLabelValues(op, statusLabel(status)).Inc()
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Handler serves the metrics of the registry the collector registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// statusLabel keeps label cardinality bounded: every guest code is "native".
func statusLabel(s entities.StatusCode) string {
	if s.Native() {
		return "native"
	}
	return s.String()
}
