// Package telemetry provides the Prometheus collectors for the scheduler
// and metric discovery, and the HTTP endpoint that exposes them.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "portal"

	labelOutcome = "outcome"
	labelResult  = "result"

	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"

	FetchSuccess = "success"
	FetchFailure = "failure"
)

// Metrics holds portal's collectors. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	tickDuration    prometheus.Histogram
	claimsLost      prometheus.Counter
	discoveryFetch  *prometheus.CounterVec
	discoveryPool   prometheus.Gauge
	dispensed       prometheus.Counter
	poolExhaustions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Labelled
// counters are initialized to 0 for every known label value.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "job_runs_total",
			Help:      "Count of job executions by outcome.",
		}, []string{labelOutcome}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "job_duration_seconds",
			Help:      "Histogram of job execution time.",
			Buckets:   prometheus.DefBuckets,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "tick_duration_seconds",
			Help:      "Histogram of time spent finding and dispatching due jobs per tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "claims_lost_total",
			Help:      "Count of due slots skipped because another scheduler claimed them first.",
		}),
		discoveryFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "discovery_fetches_total",
			Help:      "Count of metric catalog fetches by result.",
		}, []string{labelResult}),
		discoveryPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "discovery_pool_size",
			Help:      "Metric names waiting to be dispensed in the current pool.",
		}),
		dispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "discovery_dispensed_total",
			Help:      "Count of metric names handed out by discovery.",
		}),
		poolExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "discovery_exhausted_total",
			Help:      "Count of requests answered with no more metrics.",
		}),
	}

	reg.MustRegister(
		m.jobRuns, m.jobDuration, m.tickDuration, m.claimsLost,
		m.discoveryFetch, m.discoveryPool, m.dispensed, m.poolExhaustions,
	)

	for _, outcome := range []string{OutcomeCompleted, OutcomeFailed} {
		m.jobRuns.WithLabelValues(outcome)
	}
	for _, result := range []string{FetchSuccess, FetchFailure} {
		m.discoveryFetch.WithLabelValues(result)
	}
	return m
}

// JobRun records one finished execution
func (m *Metrics) JobRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// Tick records the time one scheduler poll took
func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// ClaimLost records a slot another scheduler won
func (m *Metrics) ClaimLost() {
	if m == nil {
		return
	}
	m.claimsLost.Inc()
}

// DiscoveryFetch records a catalog fetch result and the resulting pool size
func (m *Metrics) DiscoveryFetch(result string, poolSize int) {
	if m == nil {
		return
	}
	m.discoveryFetch.WithLabelValues(result).Inc()
	m.discoveryPool.Set(float64(poolSize))
}

// Dispensed records one name handed out and the remaining pool size
func (m *Metrics) Dispensed(poolSize int) {
	if m == nil {
		return
	}
	m.dispensed.Inc()
	m.discoveryPool.Set(float64(poolSize))
}

// Exhausted records a request that found the pool empty
func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.poolExhaustions.Inc()
}
