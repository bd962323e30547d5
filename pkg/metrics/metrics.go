package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	NetworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topofabric_networks_total",
			Help: "Total number of virtual networks by routing state",
		},
		[]string{"state"},
	)

	RoutersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topofabric_routers_total",
			Help: "Total number of virtual routers",
		},
	)

	RoutingDomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topofabric_routing_domains_total",
			Help: "Total number of distinct routing domains referenced by mappings",
		},
	)

	RouterIDsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topofabric_router_ids_allocated",
			Help: "Number of router ids handed out from the pool",
		},
	)

	// Engine metrics
	UnitsOfWork = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topofabric_units_of_work_total",
			Help: "Total number of engine units of work by operation and result",
		},
		[]string{"op", "result"},
	)

	UnitOfWorkRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topofabric_unit_of_work_retries_total",
			Help: "Total number of unit of work retries after a concurrent modification",
		},
		[]string{"op"},
	)

	UnitOfWorkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topofabric_unit_of_work_duration_seconds",
			Help:    "Unit of work duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	TopologyMoves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topofabric_topology_moves_total",
			Help: "Total number of topologies moved between routing domains",
		},
	)

	NetworksMoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topofabric_networks_moved_total",
			Help: "Total number of networks whose objects were re-homed",
		},
	)

	VRFsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topofabric_vrfs_deleted_total",
			Help: "Total number of unused routing domains deleted",
		},
	)

	OverlapRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topofabric_overlap_rejections_total",
			Help: "Total number of attaches rejected for overlapping subnets",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topofabric_reconcile_duration_seconds",
			Help:    "Time taken by a validation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topofabric_reconcile_cycles_total",
			Help: "Total number of validation passes",
		},
	)

	ReconcileDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topofabric_reconcile_discrepancies",
			Help: "Discrepancies found by the last validation pass by kind",
		},
		[]string{"kind"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topofabric_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topofabric_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topofabric_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topofabric_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(RoutersTotal)
	prometheus.MustRegister(RoutingDomainsTotal)
	prometheus.MustRegister(RouterIDsAllocated)
	prometheus.MustRegister(UnitsOfWork)
	prometheus.MustRegister(UnitOfWorkRetries)
	prometheus.MustRegister(UnitOfWorkDuration)
	prometheus.MustRegister(TopologyMoves)
	prometheus.MustRegister(NetworksMoved)
	prometheus.MustRegister(VRFsDeleted)
	prometheus.MustRegister(OverlapRejections)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(ReconcileDiscrepancies)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
