/*
Package metrics provides Prometheus metrics and health reporting for topofabric.

Collectors are package-level variables registered with the default registry in
init, so any package can record an observation without wiring:

	metrics.TopologyMoves.Inc()
	metrics.UnitsOfWork.WithLabelValues("router_interface_add", "ok").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

# Metric Families

Engine:

  - topofabric_units_of_work_total{op,result}: result is ok, conflict,
    rejected or error
  - topofabric_unit_of_work_retries_total{op}
  - topofabric_unit_of_work_duration_seconds{op}
  - topofabric_topology_moves_total, topofabric_networks_moved_total
  - topofabric_vrfs_deleted_total
  - topofabric_overlap_rejections_total

Reconciler:

  - topofabric_reconcile_duration_seconds
  - topofabric_reconcile_cycles_total
  - topofabric_reconcile_discrepancies{kind}

Inventory gauges (published by Collector every 15 seconds):

  - topofabric_networks_total{state}
  - topofabric_routers_total, topofabric_routing_domains_total
  - topofabric_router_ids_allocated
  - topofabric_raft_is_leader, topofabric_raft_applied_index

# Health

Components report their state with RegisterComponent and UpdateComponent.
HealthHandler reports unhealthy when any component is. ReadyHandler only
succeeds once every critical component (store, fabric and raft by default) is
registered healthy; SetCriticalComponents changes that list.
*/
package metrics
