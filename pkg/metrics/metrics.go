// Package metrics exposes Prometheus collectors for the record/task/service
// core: queue depth, claim/return throughput, service iteration latency, and
// manager liveness.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record metrics
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_records_total",
			Help: "Total number of records by type and status",
		},
		[]string{"record_type", "status"},
	)

	RecordsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_records_created_total",
			Help: "Total number of records created by type",
		},
		[]string{"record_type"},
	)

	RecordTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_record_transitions_total",
			Help: "Total number of record status transitions",
		},
		[]string{"from", "to"},
	)

	// Dedup metrics (C1/C2)
	MoleculesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_molecules_total",
			Help: "Total number of distinct molecules stored",
		},
	)

	SpecificationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_specifications_total",
			Help: "Total number of distinct specifications stored",
		},
	)

	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_dedup_hits_total",
			Help: "Total number of add operations that resolved to an existing row",
		},
		[]string{"kind"},
	)

	// Task queue metrics (C4)
	TasksQueuedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_tasks_queued_total",
			Help: "Total number of claimable tasks by tag",
		},
		[]string{"tag"},
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_tasks_claimed_total",
			Help: "Total number of tasks claimed by manager",
		},
		[]string{"manager_name"},
	)

	TasksReturnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_tasks_returned_total",
			Help: "Total number of tasks returned by outcome",
		},
		[]string{"outcome"},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_claim_latency_seconds",
			Help:    "Time taken to service a claim request",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_task_wait_duration_seconds",
			Help:    "Time a task spent waiting before being claimed",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
	)

	// Service iteration metrics (C5)
	ServiceIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_service_iterations_total",
			Help: "Total number of service iterate_service invocations by record type",
		},
		[]string{"record_type"},
	)

	ServiceIterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_service_iteration_duration_seconds",
			Help:    "Time taken for a single service iteration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"record_type"},
	)

	ServiceChildrenSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_service_children_spawned_total",
			Help: "Total number of child records spawned by service iterations",
		},
		[]string{"record_type"},
	)

	// Manager metrics (C6)
	ManagersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_managers_active",
			Help: "Total number of managers currently considered active",
		},
	)

	ManagerReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_reclaims_total",
			Help: "Total number of tasks reclaimed after a manager was marked inactive",
		},
		[]string{"manager_name"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Total number of manager heartbeats received",
		},
		[]string{"manager_name"},
	)

	// API metrics (C8)
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Output blob metrics (C7)
	OutputBlobsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_output_blobs_stored_total",
			Help: "Total number of output blobs stored by type",
		},
		[]string{"output_type"},
	)

	OutputBlobBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_output_blob_bytes",
			Help:    "Compressed size in bytes of stored output blobs",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		RecordsCreatedTotal,
		RecordTransitionsTotal,
		MoleculesTotal,
		SpecificationsTotal,
		DedupHitsTotal,
		TasksQueuedTotal,
		TasksClaimedTotal,
		TasksReturnedTotal,
		ClaimLatency,
		TaskWaitDuration,
		ServiceIterationsTotal,
		ServiceIterationDuration,
		ServiceChildrenSpawnedTotal,
		ManagersActive,
		ManagerReclaimsTotal,
		HeartbeatsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		OutputBlobsStoredTotal,
		OutputBlobBytes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
