// Package metrics exposes supervisor counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ostm"

// Collector is a prometheus.Collector for tunnel lifecycle metrics.
type Collector struct {
	operations    *prometheus.CounterVec
	launchSeconds prometheus.Histogram
	tunnels       *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_operations_total",
				Help:      "Tunnel lifecycle operations by kind and outcome.",
			}, []string{"operation", "outcome"},
		),
		launchSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tunnel_launch_seconds",
				Help:      "Time from launch to the pid marker appearing.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		tunnels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tunnels",
				Help:      "Tunnels seen by the last status query, by state.",
			}, []string{"state"},
		),
	}
}

// ObserveOperation counts one start/stop/restart outcome.
func (c *Collector) ObserveOperation(op string, success bool) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.operations.WithLabelValues(op, outcome).Inc()
}

// ObserveLaunch records how long a launch took to report its pid.
func (c *Collector) ObserveLaunch(d time.Duration) {
	if c == nil {
		return
	}
	c.launchSeconds.Observe(d.Seconds())
}

// SetCounts publishes the configured/running/orphaned totals.
func (c *Collector) SetCounts(configured, running, orphaned int) {
	if c == nil {
		return
	}
	c.tunnels.WithLabelValues("configured").Set(float64(configured))
	c.tunnels.WithLabelValues("running").Set(float64(running))
	c.tunnels.WithLabelValues("orphaned").Set(float64(orphaned))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.launchSeconds.Describe(ch)
	c.tunnels.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.launchSeconds.Collect(ch)
	c.tunnels.Collect(ch)
}
