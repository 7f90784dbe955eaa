// Package metrics exposes the queue-depth and delivery gauges/counters
// named in spec §7, grounded on cuemby-warren's pkg/metrics: package-level
// prometheus collectors registered once in init and served over plain HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OutboxDepth is the outbox sweeper's not-yet-delivered row count,
	// sampled on each poll (spec §7, §9).
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_outbox_depth",
		Help: "Number of outbox rows not yet delivered to the bus",
	})

	// OutboxSwept counts rows the sweeper has processed, partitioned by
	// outcome ("delivered" or "dropped_malformed").
	OutboxSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_outbox_swept_total",
		Help: "Total outbox rows processed by the sweeper, by outcome",
	}, []string{"outcome"})

	// SchedulerJobsClaimed counts jobs the Job Scheduler worker has claimed,
	// by job type.
	SchedulerJobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_scheduler_jobs_claimed_total",
		Help: "Total scheduled jobs claimed by a worker, by job type",
	}, []string{"job_type"})

	// SchedulerJobsDeadLettered counts jobs that exhausted their retry
	// budget and moved to the dead-letter table.
	SchedulerJobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_scheduler_jobs_dead_lettered_total",
		Help: "Total scheduled jobs moved to the dead-letter table, by job type",
	}, []string{"job_type"})

	// LiveConnections tracks the number of attached WebSocket connections
	// on this replica (spec §4.8).
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_live_connections",
		Help: "Number of attached Live Stream WebSocket connections on this replica",
	})
)

func init() {
	prometheus.MustRegister(
		OutboxDepth,
		OutboxSwept,
		SchedulerJobsClaimed,
		SchedulerJobsDeadLettered,
		LiveConnections,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
