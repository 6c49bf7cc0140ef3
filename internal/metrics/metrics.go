// Package metrics exposes the broker's Prometheus surface: per-class
// counters and gauges plus a dispatch-latency histogram, served over
// /metrics for scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/provingbroker/broker/pkg/types"
)

// Collector implements broker.Metrics, relabeling the broker's operations
// into per-class Prometheus series.
type Collector struct {
	enqueued   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	dead       *prometheus.CounterVec
	timedOut   *prometheus.CounterVec

	pending  *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec

	dispatchLatency prometheus.Histogram
}

// NewCollector builds and registers every broker metric against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by proof class.",
		}, []string{"class"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to a worker, by proof class.",
		}, []string{"class"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_completed_total",
			Help: "Total number of jobs that settled successfully, by proof class.",
		}, []string{"class"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_failed_total",
			Help: "Total number of non-terminal reported failures (retried), by proof class.",
		}, []string{"class"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_dead_total",
			Help: "Total number of jobs that settled as a terminal failure, by proof class.",
		}, []string{"class"}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_jobs_timed_out_total",
			Help: "Total number of leases reclaimed by the timeout sweeper, by proof class.",
		}, []string{"class"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_jobs_pending",
			Help: "Current number of queued jobs, by proof class.",
		}, []string{"class"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_jobs_in_flight",
			Help: "Current number of leased jobs, by proof class.",
		}, []string{"class"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_dispatch_latency_seconds",
			Help:    "Time spent inside Acquire scanning classes for a job.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		c.enqueued, c.dispatched, c.completed, c.failed, c.dead, c.timedOut,
		c.pending, c.inFlight, c.dispatchLatency,
	)

	return c
}

func (c *Collector) ObserveEnqueue(class types.ProofClass) { c.enqueued.WithLabelValues(string(class)).Inc() }
func (c *Collector) ObserveDispatch(class types.ProofClass) {
	c.dispatched.WithLabelValues(string(class)).Inc()
}
func (c *Collector) ObserveDispatchLatency(seconds float64) { c.dispatchLatency.Observe(seconds) }
func (c *Collector) ObserveCompleted(class types.ProofClass) {
	c.completed.WithLabelValues(string(class)).Inc()
}
func (c *Collector) ObserveFailed(class types.ProofClass) { c.failed.WithLabelValues(string(class)).Inc() }
func (c *Collector) ObserveDead(class types.ProofClass)   { c.dead.WithLabelValues(string(class)).Inc() }
func (c *Collector) ObserveTimedOut(class types.ProofClass) {
	c.timedOut.WithLabelValues(string(class)).Inc()
}
func (c *Collector) SetQueueDepth(class types.ProofClass, depth int) {
	c.pending.WithLabelValues(string(class)).Set(float64(depth))
}
func (c *Collector) SetInFlight(class types.ProofClass, count int) {
	c.inFlight.WithLabelValues(string(class)).Set(float64(count))
}

// StartServer serves /metrics on port until the process exits.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
