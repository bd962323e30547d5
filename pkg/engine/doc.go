/*
Package engine keeps the fabric consistent with the virtual topology.

Every entry point (network, router, interface, gateway, address scope,
security group and port events) runs as one unit of work: a read-write
transaction of the topology store inside which the engine discovers the
affected topology, decides its routing domain, validates addresses, moves
networks and re-aggregates external gateways. Fabric calls happen inside the
unit of work; notifications to agents happen only after it committed.

# Unit of Work

	┌────────────────────────────────────────────────────────────┐
	│                     OnRouterInterfaceAdd                   │
	└────────────────┬───────────────────────────────────────────┘
	                 │  store.Update (single writer, locking reads)
	                 ▼
	  ResolveRouting ──► scoped?  ──yes──► EnsureScopeVRF ──┐
	                 │                                      │
	                 no                                     │
	                 ▼                                      │
	  Discover(router), Discover(network)                   │
	                 │                                      │
	                 ▼                                      │
	  PlanMerge ──► overlap.Validate ──► Registry.Ensure    │
	                 │                                      │
	                 ▼                                      ▼
	            move.Operator.Move  ◄──────────────────────-┘
	                 │
	                 ▼
	  contracts, address ranges, ReleaseIfUnused, Aggregate
	                 │
	                 ▼  commit
	  bindings.Invalidate, Notifier.PortUpdate / VRFUpdate / TopologyMoved

All validation (scope resolution, merge conflicts, overlap, router id pool
admission) runs before the first fabric write, so a rejected attach leaves
the fabric untouched.

# Errors

Rejections are returned unchanged and matched with errors.Is:

  - types.ErrTopologyConflict: two shared networks would have to share a
    routing domain neither of them owns
  - types.ErrAddressOverlap: two routed subnets collide (*types.OverlapError)
  - types.ErrScopeConflict: scopes on one router or network disagree
  - types.ErrPoolExhausted: no router id left for a gateway node profile
  - types.ErrInUse and types.ErrNotFound for lifecycle misuse

types.ErrConflict, raised when a mapping row's revision moved underneath the
unit of work, re-runs the whole unit from scratch up to Options.MaxRetries
times with a linear backoff. When retries run out the error wraps
types.ErrRetriesExhausted.

# Fabric Writes

Fabric calls are idempotent (create with overwrite, cascade delete of missing
objects succeeds), so a unit of work that is retried or replayed converges on
the same fabric state. A unit of work that fails after some fabric writes
leaves them in place; the reconciliation pass reports and repairs the drift.

# Usage

	store, _ := storage.NewBoltStore(dataDir)
	fc := fabric.NewMemoryClient()
	eng, err := engine.New(store, fc, events.NewNotifier(broker), engine.DefaultOptions())
	if err != nil {
		return err
	}
	err = eng.OnRouterInterfaceAdd(ctx, "r1", "n1", []string{"s1"})
	if errors.Is(err, types.ErrAddressOverlap) {
		// report the colliding subnets to the caller
	}
*/
package engine
