/*
Package storage persists the topology store in BoltDB.

The topology store holds the virtual records forwarded by the integration
and the mapping rows the engine derives from them. Every engine entry point
runs as one Update; readers such as the binding cache and the HTTP API use
View.

# Architecture

	┌──────────────────── BOLTDB STORAGE ─────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────┐            │
	│  │            BoltStore                     │            │
	│  │  - File: <dataDir>/topology.db           │            │
	│  │  - Update: one writer at a time          │            │
	│  │  - View: concurrent snapshot reads       │            │
	│  └──────────────────┬──────────────────────┘            │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────┐            │
	│  │            Buckets (JSON values)          │            │
	│  │  networks            network id           │            │
	│  │  subnets             subnet id            │            │
	│  │  routers             router id            │            │
	│  │  router_interfaces   router id/subnet id  │            │
	│  │  address_scopes      scope id             │            │
	│  │  ports               port id              │            │
	│  │  security_groups     security group id    │            │
	│  │  network_mappings    network id           │            │
	│  │  address_scope_mappings  scope id         │            │
	│  │  router_ids          node profile key     │            │
	│  └──────────────────────────────────────────┘            │
	└───────────────────────────────────────────────────────────┘

# Locking Reads

Bolt admits a single read-write transaction, so every read through a Tx is
a locking read: the adjacency and CIDR data a unit of work decides on cannot
change before it commits. Topology discovery and overlap validation depend
on this.

# Revisions

Mapping rows carry a Revision. PutNetworkMapping and PutAddressScopeMapping
compare it with the stored row and fail with types.ErrConflict when they
differ; on success the Revision is advanced in place. A row written with
Revision 0 must not exist yet. The engine retries a unit of work that hits
ErrConflict.

# Snapshots

Dump copies every bucket into a Snapshot and Restore replaces the whole
store with one. The manager uses them for Raft snapshots.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Update(ctx, func(tx storage.Tx) error {
		m, err := tx.GetNetworkMapping("n1")
		if err != nil {
			return err
		}
		m.RoutingDomain = vrf
		return tx.PutNetworkMapping(m) // types.ErrConflict if m changed
	})
*/
package storage
