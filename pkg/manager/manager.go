package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned when a command is submitted to a follower
var ErrNotLeader = errors.New("not the raft leader")

// Manager replicates topology events through a Raft log. Every committed
// entry runs the matching engine entry point, so the topology store and the
// fabric follow the log.
type Manager struct {
	nodeID       string
	bindAddr     string
	dataDir      string
	inMemory     bool
	applyTimeout time.Duration

	raft    *raft.Raft
	fsm     *FSM
	engine  *engine.Engine
	closers []io.Closer
	logger  zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps the log, stable store and snapshots in memory and uses
	// an in-memory transport
	InMemory bool

	ApplyTimeout time.Duration
}

// NewManager creates a new Manager instance over eng
func NewManager(cfg *Config, eng *engine.Engine) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if !cfg.InMemory {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, "raft"), 0755); err != nil {
			return nil, fmt.Errorf("failed to create raft directory: %w", err)
		}
	}
	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		inMemory:     cfg.InMemory,
		applyTimeout: timeout,
		fsm:          NewFSM(eng),
		engine:       eng,
		logger:       log.WithComponent("manager"),
	}, nil
}

// Bootstrap initializes a single-node Raft cluster. A node restarted over an
// existing log rejoins its cluster and replays the log.
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = log.WithComponent("raft")
	config.LogLevel = "WARN"

	// Tuned for LAN latencies
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		transport     raft.Transport
	)
	if m.inMemory {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapshotStore = raft.NewInmemSnapshotStore()
		_, transport = raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
	} else {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %w", err)
		}
		tcp, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		transport = tcp

		raftDir := filepath.Join(m.dataDir, "raft")
		snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}
		snapshotStore = snapshots

		logDB, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %w", err)
		}
		stableDB, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
		if err != nil {
			_ = logDB.Close()
			return fmt.Errorf("failed to create stable store: %w", err)
		}
		logStore, stableStore = logDB, stableDB
		m.closers = append(m.closers, logDB, stableDB)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	m.logger.Info().
		Str("node_id", m.nodeID).
		Str("addr", string(transport.LocalAddr())).
		Bool("in_memory", m.inMemory).
		Msg("Raft node started")
	return nil
}

// WaitForLeader blocks until this node leads the cluster or timeout elapses
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.IsLeader() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("%w: no leadership after %s", ErrNotLeader, timeout)
		}
	}
}

// Shutdown stops Raft and closes its stores
func (m *Manager) Shutdown() error {
	var errs []error
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down raft: %w", err))
		}
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// AppliedIndex returns the last log index applied to the FSM
func (m *Manager) AppliedIndex() uint64 {
	if m.raft == nil {
		return 0
	}
	return m.raft.AppliedIndex()
}

// Inventory counts the topology store for the metrics collector
func (m *Manager) Inventory(ctx context.Context) (metrics.Inventory, error) {
	return m.engine.Inventory(ctx)
}

// Engine returns the engine the log is applied to
func (m *Manager) Engine() *engine.Engine {
	return m.engine
}

// Apply submits a command to the Raft cluster and returns the engine's
// result for it once committed.
func (m *Manager) Apply(cmd Command) error {
	if !m.IsLeader() {
		return ErrNotLeader
	}

	if cmd.Op == OpNetworkCreate {
		stamped, err := stampCreation(cmd.Data)
		if err != nil {
			return err
		}
		cmd.Data = stamped
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply %s: %w", cmd.Op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// stampCreation fixes the creation time of a network_create payload that
// arrived without one
func stampCreation(data json.RawMessage) (json.RawMessage, error) {
	var p NetworkPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, badCommand(OpNetworkCreate, err)
	}
	if p.Network == nil || !p.Network.CreatedAt.IsZero() {
		return data, nil
	}
	p.Network.CreatedAt = time.Now().UTC()
	return json.Marshal(p)
}

func (m *Manager) submit(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	return m.Apply(Command{Op: op, Data: data})
}

// CreateNetwork records and provisions a network. The creation time is fixed
// before the entry is logged so that replays order networks identically.
func (m *Manager) CreateNetwork(network *types.VirtualNetwork, subnets []*types.Subnet) error {
	if network.CreatedAt.IsZero() {
		network.CreatedAt = time.Now().UTC()
	}
	return m.submit(OpNetworkCreate, NetworkPayload{Network: network, Subnets: subnets})
}

// DeleteNetwork removes a network
func (m *Manager) DeleteNetwork(id string) error {
	return m.submit(OpNetworkDelete, id)
}

// CreateRouter records a router
func (m *Manager) CreateRouter(router *types.VirtualRouter) error {
	return m.submit(OpRouterCreate, router)
}

// DeleteRouter removes a router
func (m *Manager) DeleteRouter(id string) error {
	return m.submit(OpRouterDelete, id)
}

// AddRouterInterface attaches a router to subnets of a network
func (m *Manager) AddRouterInterface(routerID, networkID string, subnetIDs []string) error {
	return m.submit(OpRouterInterfaceAdd, InterfacePayload{RouterID: routerID, NetworkID: networkID, SubnetIDs: subnetIDs})
}

// RemoveRouterInterface detaches a router from subnets of a network
func (m *Manager) RemoveRouterInterface(routerID, networkID string, subnetIDs []string) error {
	return m.submit(OpRouterInterfaceRemove, InterfacePayload{RouterID: routerID, NetworkID: networkID, SubnetIDs: subnetIDs})
}

// SetRouterGateway connects a router to an external network; an empty
// network id disconnects it.
func (m *Manager) SetRouterGateway(routerID, networkID string) error {
	return m.submit(OpRouterGatewaySet, GatewayPayload{RouterID: routerID, NetworkID: networkID})
}

// ChangeAddressScope creates or updates an address scope
func (m *Manager) ChangeAddressScope(scope *types.AddressScope) error {
	return m.submit(OpAddressScopeChange, scope)
}

// DeleteAddressScope removes an address scope
func (m *Manager) DeleteAddressScope(id string) error {
	return m.submit(OpAddressScopeDelete, id)
}

// CreateSecurityGroup records a security group
func (m *Manager) CreateSecurityGroup(sg *types.SecurityGroup) error {
	return m.submit(OpSecurityGroupCreate, sg)
}

// DeleteSecurityGroup removes a security group
func (m *Manager) DeleteSecurityGroup(id string) error {
	return m.submit(OpSecurityGroupDelete, id)
}

// UpdatePort records a port
func (m *Manager) UpdatePort(port *types.Port) error {
	return m.submit(OpPortUpdate, port)
}

// DeletePort removes a port
func (m *Manager) DeletePort(id string) error {
	return m.submit(OpPortDelete, id)
}
