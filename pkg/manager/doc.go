/*
Package manager replicates topology events through a Raft log.

Callers never invoke the engine directly in a running server. They submit a
Command to the manager, which proposes it to Raft; once the entry commits,
the FSM runs the matching engine entry point and hands its error back to the
caller through the apply future. The log is therefore the single ordered
history of topology events, and a restarted node replays it through the
same, idempotent entry points.

# Architecture

	┌──────────────────────── MANAGER NODE ────────────────────────┐
	│                                                                │
	│  ┌────────────────────────────────────────────┐               │
	│  │  HTTP API  (POST /v1/commands, /reconcile) │               │
	│  └──────────────────┬─────────────────────────┘               │
	│                     │ Command{Op, Data}                         │
	│  ┌──────────────────▼─────────────────────────┐               │
	│  │                Manager                       │               │
	│  │  - rejects commands on followers             │               │
	│  │  - fixes creation times before proposing     │               │
	│  └──────────────────┬─────────────────────────┘               │
	│                     │ raft.Apply                                │
	│  ┌──────────────────▼─────────────────────────┐               │
	│  │        Raft (raft-boltdb log + stable)      │               │
	│  └──────────────────┬─────────────────────────┘               │
	│                     │ committed entry                           │
	│  ┌──────────────────▼─────────────────────────┐               │
	│  │  FSM.Apply ─► engine.On* (unit of work)      │               │
	│  │  FSM.Snapshot / Restore ─► store Dump/Restore│               │
	│  └──────────────────────────────────────────────┘               │
	└────────────────────────────────────────────────────────────────┘

# Commands

Every engine entry point has an op:

	network_create          NetworkPayload{Network, Subnets}
	network_delete          network id
	router_create           VirtualRouter
	router_delete           router id
	router_interface_add    InterfacePayload{RouterID, NetworkID, SubnetIDs}
	router_interface_remove InterfacePayload
	router_gateway_set      GatewayPayload{RouterID, NetworkID}
	address_scope_change    AddressScope
	address_scope_delete    scope id
	security_group_create   SecurityGroup
	security_group_delete   security group id
	port_update             Port
	port_delete             port id

Engine rejections (types.ErrTopologyConflict, types.ErrAddressOverlap, ...)
are returned unchanged, so callers match them with errors.Is exactly as they
would against the engine.

# Snapshots

Snapshots carry the topology store only: records, mapping rows and router
id allocations. Fabric objects are outside Raft; after a restore the
reconciler compares the fabric with the restored store and repairs it.

# Raft Configuration

Timeouts are tuned for LAN deployments:

	HeartbeatTimeout:   500ms
	ElectionTimeout:    500ms
	CommitTimeout:      50ms
	LeaderLeaseTimeout: 250ms

The server bootstraps a single-node cluster. Bootstrapping a node that
already has Raft state is a no-op and the node resumes from its log.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  dataDir,
	}, eng)
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	defer mgr.Shutdown()

	if err := mgr.WaitForLeader(10 * time.Second); err != nil {
		return err
	}
	err = mgr.AddRouterInterface("r1", "n1", []string{"s1"})
	if errors.Is(err, types.ErrAddressOverlap) {
		// report the collision
	}

Tests run the same code with Config.InMemory, which swaps in Raft's
in-memory stores and transport.
*/
package manager
