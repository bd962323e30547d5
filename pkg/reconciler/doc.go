/*
Package reconciler validates the fabric against the topology store.

The engine changes the fabric incrementally, one unit of work at a time. The
reconciler takes the opposite approach: it derives the complete fabric the
store implies from scratch, using the same naming, routing domain and
aggregation rules, and compares it with what the fabric actually holds. A
pass that finds nothing proves the incremental changes converged; a pass
with repair enabled brings a drifted fabric back in line.

# Architecture

	┌──────────────────── RECONCILIATION PASS ─────────────────────┐
	│                                                               │
	│   store.View (consistent snapshot, no write lock)             │
	│        │                                                      │
	│        ▼                                                      │
	│   ┌──────────────┐        ┌───────────────────────────────┐  │
	│   │   builder    │──────► │ expected fabric (MemoryClient) │  │
	│   │ placement    │        │ expected mapping rows          │  │
	│   │ networks     │        └──────────────┬────────────────┘  │
	│   │ gateways     │                       │                    │
	│   └──────────────┘                       ▼                    │
	│                              diff ◄── fabric.Find per kind    │
	│                               │       (errgroup, concurrent)  │
	│                               ▼                               │
	│                        ValidationReport                       │
	│                               │ repair?                       │
	│                               ▼                               │
	│   store.Update: compare again, then fix mapping rows,         │
	│   missing, mismatch and orphans                               │
	└───────────────────────────────────────────────────────────────┘

# Expected State

For every network the builder decides an expected routing domain:

  - networks without router interfaces stay in the unrouted domain
  - unscoped topologies keep the default domain their mapping rows agree on,
    provided one of their projects owns it, and fall back to the shared
    network's or earliest network's project default otherwise
  - networks on scoped subnets follow their address scope mapping

From the placement it records the network's objects in its home tenant,
the routing domains referenced by networks and address scopes, one contract
per router, one object per security group, address ranges for every routed
subnet and an external gateway clone with node profile per routing domain
that has gatewayed routers.

# Findings

  - missing, mismatch, sync_failed: expected objects that are absent,
    different or reported as failed by the fabric
  - orphan: objects nothing expects; monitored objects are never orphans
  - mapping_missing, mapping_mismatch, mapping_orphan: mapping rows
  - invalid_topology: store contents without a consistent fabric form, such
    as a network mixing scoped and unscoped subnets; never repaired

Repair rewrites mapping rows first, then creates or overwrites objects
parents first, then deletes orphans with cascade.

# Usage

	rec := reconciler.NewReconciler(eng, broker, reconciler.Options{
		Interval: time.Minute,
		Repair:   true,
	})
	rec.Start()
	defer rec.Stop()

	report, err := rec.Reconcile(ctx, false)
	if err != nil {
		return err
	}
	for _, d := range report.Discrepancies {
		fmt.Println(d.Kind, d.Subject(), d.Detail)
	}

Every pass updates the reconcile_discrepancies gauge per kind and publishes
a reconcile.completed event on the broker.
*/
package reconciler
