package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage metrics
	BlocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_blocks_held",
			Help: "Number of blocks currently held by this worker",
		},
	)

	BytesUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_bytes_used",
			Help: "Bytes of block storage in use",
		},
	)

	BytesCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_bytes_capacity",
			Help: "Configured block storage capacity in bytes",
		},
	)

	BlocksPinned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_blocks_pinned",
			Help: "Number of blocks the cluster pin policy forbids evicting",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_sessions_active",
			Help: "Number of live client sessions",
		},
	)

	// Master sync metrics
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_worker_heartbeats_total",
			Help: "Total number of heartbeats sent to the master",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_worker_heartbeat_failures_total",
			Help: "Total number of failed master heartbeats",
		},
	)

	PinListSyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_worker_pinlist_syncs_total",
			Help: "Total number of pin list fetches from the master",
		},
	)

	PinListSyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_worker_pinlist_sync_failures_total",
			Help: "Total number of failed pin list fetches",
		},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_worker_sessions_reaped_total",
			Help: "Total number of abandoned sessions cleaned up",
		},
	)

	// Server metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_rpc_requests_total",
			Help: "Total number of control-plane RPC requests by method",
		},
		[]string{"method"},
	)

	DataRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_data_requests_total",
			Help: "Total number of data-plane requests by operation and status",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(BlocksHeld)
	prometheus.MustRegister(BytesUsed)
	prometheus.MustRegister(BytesCapacity)
	prometheus.MustRegister(BlocksPinned)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(PinListSyncsTotal)
	prometheus.MustRegister(PinListSyncFailures)
	prometheus.MustRegister(SessionsReaped)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(DataRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
