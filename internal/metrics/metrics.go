// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries counts single-chat sends by result (ok, failed, permanent).
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashbot_deliveries_total",
			Help: "Total number of message deliveries attempted",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slashbot_delivery_duration_seconds",
			Help:    "Single delivery duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SendRetries counts transport retries after a transient failure.
	SendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slashbot_send_retries_total",
			Help: "Total number of send retries after transient errors",
		},
	)

	Batches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slashbot_broadcast_batches_total",
			Help: "Total number of broadcast batches",
		},
	)

	// JobFires counts trigger firings by origin and result
	// (sent, failed, stale, misfire, retry).
	JobFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashbot_job_fires_total",
			Help: "Total number of job trigger firings",
		},
		[]string{"origin", "result"},
	)

	ArmedJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slashbot_armed_jobs",
			Help: "Number of jobs currently armed",
		},
		[]string{"origin"},
	)

	Reconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashbot_reconcile_total",
			Help: "Total number of scheduler reconcile passes",
		},
		[]string{"origin"},
	)

	// Conflicts counts arm attempts for ids owned by another origin.
	Conflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slashbot_arm_conflicts_total",
			Help: "Total number of arm attempts rejected for an origin mismatch",
		},
	)

	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashbot_persist_errors_total",
			Help: "Total number of storage write failures",
		},
		[]string{"kind"},
	)

	RegisteredChats = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slashbot_registered_chats",
			Help: "Number of chats in the registry",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashbot_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)
)
