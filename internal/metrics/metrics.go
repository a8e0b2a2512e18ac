// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lock manager
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_lock_acquisitions_total",
			Help: "Lock acquisition outcomes",
		},
		[]string{"result"}, // acquired, busy, error
	)

	LockLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_lock_lost_total",
			Help: "Leases lost while an operation was still running",
		},
	)

	// Connection pool
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_pool_sessions",
			Help: "Sessions currently held by the connection pool",
		},
		[]string{"tier"}, // active, idle
	)

	PoolConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_connects_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"result"}, // ok, timeout, exhausted, auth, error
	)

	PoolRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_recoveries_total",
			Help: "Session recovery outcomes",
		},
		[]string{"result"}, // recovered, failed
	)

	// Sync engine
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sync_jobs_total",
			Help: "Sync jobs by entity type and terminal state",
		},
		[]string{"entity", "state"},
	)

	SyncBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sync_batches_total",
			Help: "Sync batches by outcome",
		},
		[]string{"entity", "result"}, // ok, retry, failed
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sync_records_total",
			Help: "Records upserted by sync jobs",
		},
		[]string{"entity"},
	)

	// Cache
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_cache_events_total",
			Help: "Cache reads and background work by outcome",
		},
		[]string{"type", "event"}, // hit, stale, miss, revalidated, revalidate_failed, dropped
	)

	// gRPC surface
	GRPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_grpc_requests_total",
			Help: "Unary calls by method and status code",
		},
		[]string{"method", "code"},
	)

	GRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_grpc_request_duration_seconds",
			Help:    "Unary call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GRPCPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_grpc_panics_total",
			Help: "Handler panics recovered by the server",
		},
	)

	// Retry policy
	RetryEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_retry_escalations_total",
			Help: "Error kinds that exceeded their retry threshold",
		},
		[]string{"kind"},
	)
)
