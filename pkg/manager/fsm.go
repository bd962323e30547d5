package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/hashicorp/raft"
)

// Command ops carried in the Raft log, one per engine entry point
const (
	OpNetworkCreate         = "network_create"
	OpNetworkDelete         = "network_delete"
	OpRouterCreate          = "router_create"
	OpRouterDelete          = "router_delete"
	OpRouterInterfaceAdd    = "router_interface_add"
	OpRouterInterfaceRemove = "router_interface_remove"
	OpRouterGatewaySet      = "router_gateway_set"
	OpAddressScopeChange    = "address_scope_change"
	OpAddressScopeDelete    = "address_scope_delete"
	OpSecurityGroupCreate   = "security_group_create"
	OpSecurityGroupDelete   = "security_group_delete"
	OpPortUpdate            = "port_update"
	OpPortDelete            = "port_delete"
)

// ErrBadCommand is returned for log entries that decode to no engine call
var ErrBadCommand = errors.New("malformed command")

// Command represents a topology event in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NetworkPayload carries a network with its subnets
type NetworkPayload struct {
	Network *types.VirtualNetwork `json:"network"`
	Subnets []*types.Subnet       `json:"subnets"`
}

// InterfacePayload carries a router interface add or remove
type InterfacePayload struct {
	RouterID  string   `json:"router_id"`
	NetworkID string   `json:"network_id"`
	SubnetIDs []string `json:"subnet_ids"`
}

// GatewayPayload carries a router gateway change
type GatewayPayload struct {
	RouterID  string `json:"router_id"`
	NetworkID string `json:"network_id"`
}

// FSM implements the Raft finite state machine. Applying a log entry runs
// the matching engine entry point; the entry's result is the engine's error.
type FSM struct {
	mu     sync.RWMutex
	engine *engine.Engine
}

// NewFSM creates a new FSM instance
func NewFSM(eng *engine.Engine) *FSM {
	return &FSM{engine: eng}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCommand, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()
	eng := f.engine

	switch cmd.Op {
	// Networks
	case OpNetworkCreate:
		var p NetworkPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return badCommand(cmd.Op, err)
		}
		if p.Network == nil {
			return fmt.Errorf("%w: %s: missing network", ErrBadCommand, cmd.Op)
		}
		return eng.OnNetworkCreate(ctx, p.Network, p.Subnets)

	case OpNetworkDelete:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnNetworkDelete(ctx, id)

	// Routers
	case OpRouterCreate:
		var router types.VirtualRouter
		if err := json.Unmarshal(cmd.Data, &router); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnRouterCreate(ctx, &router)

	case OpRouterDelete:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnRouterDelete(ctx, id)

	case OpRouterInterfaceAdd:
		var p InterfacePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnRouterInterfaceAdd(ctx, p.RouterID, p.NetworkID, p.SubnetIDs)

	case OpRouterInterfaceRemove:
		var p InterfacePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnRouterInterfaceRemove(ctx, p.RouterID, p.NetworkID, p.SubnetIDs)

	case OpRouterGatewaySet:
		var p GatewayPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnRouterGatewaySet(ctx, p.RouterID, p.NetworkID)

	// Address scopes
	case OpAddressScopeChange:
		var scope types.AddressScope
		if err := json.Unmarshal(cmd.Data, &scope); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnAddressScopeChange(ctx, &scope)

	case OpAddressScopeDelete:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnAddressScopeDelete(ctx, id)

	// Security groups and ports
	case OpSecurityGroupCreate:
		var sg types.SecurityGroup
		if err := json.Unmarshal(cmd.Data, &sg); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnSecurityGroupCreate(ctx, &sg)

	case OpSecurityGroupDelete:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnSecurityGroupDelete(ctx, id)

	case OpPortUpdate:
		var port types.Port
		if err := json.Unmarshal(cmd.Data, &port); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnPortUpdate(ctx, &port)

	case OpPortDelete:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return badCommand(cmd.Op, err)
		}
		return eng.OnPortDelete(ctx, id)

	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadCommand, cmd.Op)
	}
}

func badCommand(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBadCommand, op, err)
}

// Snapshot creates a point-in-time snapshot of the topology store
// This is called periodically by Raft to compact the log
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.engine.Store().Dump(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to dump store: %w", err)
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces the topology store with a snapshot. Fabric objects are not
// part of the snapshot; the reconciler brings them in line afterwards.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.engine.Store().Restore(context.Background(), &snap); err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}
	f.engine.Bindings().Purge()
	return nil
}

// fsmSnapshot is a point-in-time copy of the topology store
type fsmSnapshot struct {
	snap *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
