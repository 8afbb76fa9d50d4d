// Package metrics holds the Prometheus collectors of the gateway.
// All methods are safe on a nil *Collectors so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatewayems"

type Collectors struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	pooledConnections prometheus.Gauge
	registerReads     *prometheus.CounterVec
	pollIterations    prometheus.Counter
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Orchestrator state transitions by target state.",
		}, []string{"state"}),
		pooledConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pooled_connections",
			Help:      "Live pooled transport connections.",
		}),
		registerReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_reads_total",
			Help:      "Register sub-reads by result.",
		}, []string{"result"}),
		pollIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_iterations_total",
			Help:      "Completed polling iterations.",
		}),
	}

	c.registry.MustRegister(c.transitions, c.pooledConnections, c.registerReads, c.pollIterations)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) ObserveTransition(state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(state).Inc()
}

func (c *Collectors) SetPooledConnections(n int) {
	if c == nil {
		return
	}
	c.pooledConnections.Set(float64(n))
}

func (c *Collectors) ObserveRead(ok bool) {
	if c == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	c.registerReads.WithLabelValues(result).Inc()
}

func (c *Collectors) ObservePollIteration() {
	if c == nil {
		return
	}
	c.pollIterations.Inc()
}
