// Package metrics exports the resilience core's snapshots to Prometheus.
// The core itself only exposes read-only accessors; this package is the
// telemetry collaborator that polls them at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emitra-labs/emitra-go/resilience"
)

var (
	circuitStateDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_state",
		"Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		[]string{"breaker"}, nil,
	)
	circuitFailuresDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_failures",
		"Current consecutive failure count",
		[]string{"breaker"}, nil,
	)
	circuitSuccessesDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_successes",
		"Current success count toward closing a half-open circuit",
		[]string{"breaker"}, nil,
	)
	circuitDLQEventsDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_dlq_events",
		"Dead-letter events inside the current spike window",
		[]string{"breaker"}, nil,
	)
	circuitRequestsDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_requests_total",
		"Total requests seen by the circuit breaker",
		[]string{"breaker"}, nil,
	)
	circuitFailuresTotalDesc = prometheus.NewDesc(
		"emitra_circuit_breaker_failures_total",
		"Total failures recorded by the circuit breaker",
		[]string{"breaker"}, nil,
	)

	inFlightDesc = prometheus.NewDesc(
		"emitra_backpressure_in_flight",
		"Deliveries currently admitted and executing",
		[]string{"strategy"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"emitra_backpressure_capacity",
		"Maximum concurrent admitted deliveries",
		[]string{"strategy"}, nil,
	)
	queueSizeDesc = prometheus.NewDesc(
		"emitra_backpressure_queue_size",
		"Deliveries currently waiting for an in-flight slot",
		[]string{"strategy"}, nil,
	)
	droppedDesc = prometheus.NewDesc(
		"emitra_backpressure_dropped_total",
		"Total deliveries shed by admission control",
		[]string{"strategy"}, nil,
	)
	throttledDesc = prometheus.NewDesc(
		"emitra_backpressure_throttled_total",
		"Total deliveries delayed by the throttle strategy",
		[]string{"strategy"}, nil,
	)
)

// Collector exposes circuit breaker and backpressure snapshots as Prometheus
// metrics. It holds references only; all values are read at scrape time.
type Collector struct {
	breakers    []*resilience.CircuitBreaker
	controllers []*resilience.BackpressureController
}

// NewCollector creates a collector over the given breakers and controllers
func NewCollector(breakers []*resilience.CircuitBreaker, controllers []*resilience.BackpressureController) *Collector {
	return &Collector{
		breakers:    breakers,
		controllers: controllers,
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- circuitStateDesc
	ch <- circuitFailuresDesc
	ch <- circuitSuccessesDesc
	ch <- circuitDLQEventsDesc
	ch <- circuitRequestsDesc
	ch <- circuitFailuresTotalDesc
	ch <- inFlightDesc
	ch <- capacityDesc
	ch <- queueSizeDesc
	ch <- droppedDesc
	ch <- throttledDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cb := range c.breakers {
		snap := cb.GetSnapshot()
		ch <- prometheus.MustNewConstMetric(circuitStateDesc, prometheus.GaugeValue, float64(snap.State), snap.Name)
		ch <- prometheus.MustNewConstMetric(circuitFailuresDesc, prometheus.GaugeValue, float64(snap.Failures), snap.Name)
		ch <- prometheus.MustNewConstMetric(circuitSuccessesDesc, prometheus.GaugeValue, float64(snap.Successes), snap.Name)
		ch <- prometheus.MustNewConstMetric(circuitDLQEventsDesc, prometheus.GaugeValue, float64(snap.DLQEventCount), snap.Name)
		ch <- prometheus.MustNewConstMetric(circuitRequestsDesc, prometheus.CounterValue, float64(snap.TotalRequests), snap.Name)
		ch <- prometheus.MustNewConstMetric(circuitFailuresTotalDesc, prometheus.CounterValue, float64(snap.TotalFailures), snap.Name)
	}

	for _, ctrl := range c.controllers {
		stats := ctrl.GetStats()
		strategy := stats.Strategy.String()
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(stats.InFlight), strategy)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(stats.MaxInFlight), strategy)
		ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(stats.QueueSize), strategy)
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(stats.DroppedCount), strategy)
		ch <- prometheus.MustNewConstMetric(throttledDesc, prometheus.CounterValue, float64(stats.ThrottledCount), strategy)
	}
}

// Register registers the collector with the default Prometheus registry.
// Must be called once at startup.
func Register(c *Collector) {
	prometheus.MustRegister(c)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
