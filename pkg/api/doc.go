/*
Package api implements the HTTP API and the gRPC health service of a
topofabric node.

The HTTP API is the gateway for the CLI and for the integration that forwards
topology events: commands are submitted here, applied through the manager's
Raft log, and rejections come back with a stable reason code. The same server
answers health probes, exposes Prometheus metrics and runs reconciliation
passes on demand.

# Architecture

	┌──────────────── CLIENT (topofabric CLI / integration) ───────────────┐
	│   POST /v1/commands     GET /v1/topology     POST /v1/reconcile      │
	└────────────────────────────┬──────────────────────────────────────────┘
	                             │ HTTP/JSON (:9090)
	┌────────────────────────────▼───────── NODE ──────────────────────────┐
	│                                                                        │
	│  ┌──────────────────────────────────────────────┐                     │
	│  │           HTTP API Server (pkg/api)           │                     │
	│  │  - request metrics and logging                │                     │
	│  │  - error classification                       │                     │
	│  └───────┬──────────────────────┬───────────────┘                     │
	│          │ Command              │ Reconcile(repair)                    │
	│  ┌───────▼────────┐     ┌───────▼────────┐                           │
	│  │    Manager     │     │   Reconciler   │                           │
	│  │  (Raft log)    │     │                │                           │
	│  └───────┬────────┘     └───────┬────────┘                           │
	│          │ FSM.Apply            │ diff / repair                      │
	│  ┌───────▼──────────────────────▼────────┐                           │
	│  │   Engine ─► topology store + fabric    │                           │
	│  └────────────────────────────────────────┘                           │
	│                                                                        │
	│  gRPC (:9091): grpc.health.v1.Health                                  │
	└────────────────────────────────────────────────────────────────────────┘

# Endpoints

	GET  /health               liveness with version
	GET  /ready                raft leadership, store access, last pass
	GET  /live                 process liveness
	GET  /health/components    store, fabric and raft component health
	GET  /metrics              Prometheus exposition
	POST /v1/commands          apply a batch of manager.Command in order
	GET  /v1/topology          connected topologies and network placements
	GET  /v1/bindings/{port}   fabric placement of a port
	POST /v1/reconcile         run a pass; ?repair=true repairs findings
	GET  /v1/reconcile         report of the last pass

A command batch stops at the first rejection. Commands before it stay
applied; the response says how many were applied and why the next one was
rejected:

	409 address_overlap     subnets collide inside the routing domain
	409 topology_conflict   the attach would join incompatible topologies
	409 scope_conflict      address scope mapping cannot change
	409 in_use              the object is still referenced
	404 not_found           a referenced record does not exist
	400 bad_command         unknown op or undecodable payload
	503 not_leader          this node does not lead the Raft cluster
	503 pool_exhausted      no router id left in the pool
	503 retries_exhausted   the unit of work kept conflicting

# gRPC Health

The gRPC server carries only the standard health protocol. The empty service
name is SERVING while the process runs. The "topofabric.Engine" service is
SERVING while the node holds Raft leadership, so load balancers can route
commands to the leader.

# Usage

	srv := api.NewServer(mgr, rec)
	srv.SetVersion(version)
	go func() {
		if err := srv.Start(":9090"); err != nil {
			logger.Error().Err(err).Msg("HTTP API failed")
		}
	}()
	defer srv.Shutdown(context.Background())

	g := api.NewGRPCServer(mgr)
	go g.Start(":9091")
	defer g.Stop()
*/
package api
