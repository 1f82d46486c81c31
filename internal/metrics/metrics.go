// Package metrics exposes in-process Prometheus counters/gauges for claims,
// critique rounds, circuit-breaker trips, and retries, scraped over
// internal/httpapi's /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_tasks_claimed_total",
			Help: "Total number of tasks claimed, by agent role",
		},
		[]string{"role"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	CritiqueRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_critique_rounds_total",
			Help: "Total number of critique rounds, by verdict",
		},
		[]string{"verdict"},
	)

	StaleRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_stale_recoveries_total",
			Help: "Total number of tasks recovered by the stale-claim sweep, by prior status",
		},
		[]string{"prior_status"},
	)

	CircuitBreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_circuit_breaker_trips_total",
			Help: "Total number of times a model provider's circuit breaker opened",
		},
		[]string{"provider"},
	)

	ModelRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_model_retries_total",
			Help: "Total number of model call retry attempts, by provider and model",
		},
		[]string{"provider", "model"},
	)

	ModelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmcore_model_call_duration_seconds",
			Help:    "Model call latency in seconds, by provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	WorkerIdleCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmcore_worker_idle_cycles_total",
			Help: "Total number of idle ticks observed by a worker, by agent id",
		},
		[]string{"agent_id"},
	)

	AgentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmcore_agents_running",
			Help: "Current number of supervised agent processes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksClaimedTotal,
		TasksCompletedTotal,
		CritiqueRoundsTotal,
		StaleRecoveriesTotal,
		CircuitBreakerTripsTotal,
		ModelRetriesTotal,
		ModelCallDuration,
		WorkerIdleCyclesTotal,
		AgentsRunning,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
