package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := engine.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	eng, err := engine.New(store, fabric.NewMemoryClient(), nil, opts)
	require.NoError(t, err)
	return eng
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(&Config{NodeID: "node-1", InMemory: true}, newTestEngine(t))
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap())
	t.Cleanup(func() { _ = mgr.Shutdown() })
	require.NoError(t, mgr.WaitForLeader(5*time.Second))
	return mgr
}

func mapping(t *testing.T, eng *engine.Engine, networkID string) *types.NetworkMapping {
	t.Helper()
	var m *types.NetworkMapping
	require.NoError(t, eng.Store().View(context.Background(), func(r storage.Reader) error {
		var err error
		m, err = r.GetNetworkMapping(networkID)
		return err
	}))
	return m
}

func TestNewManagerRequiresNodeID(t *testing.T) {
	_, err := NewManager(&Config{InMemory: true}, newTestEngine(t))
	assert.Error(t, err)
}

func TestApplyOnFollowerIsRejected(t *testing.T) {
	mgr, err := NewManager(&Config{NodeID: "node-1", InMemory: true}, newTestEngine(t))
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.CreateRouter(&types.VirtualRouter{ID: "r1"}), ErrNotLeader)
	assert.False(t, mgr.IsLeader())
	assert.Zero(t, mgr.AppliedIndex())
}

func TestCommandsRunEngineEntryPoints(t *testing.T) {
	mgr := newTestManager(t)
	eng := mgr.Engine()
	namer := eng.Namer()

	require.NoError(t, mgr.CreateNetwork(&types.VirtualNetwork{ID: "n1", TenantID: "t1", Name: "web"},
		[]*types.Subnet{{ID: "s1", CIDR: "10.0.0.0/24", IPVersion: 4}}))
	require.NoError(t, mgr.CreateNetwork(&types.VirtualNetwork{ID: "n2", TenantID: "t1", Name: "db"},
		[]*types.Subnet{{ID: "s2", CIDR: "10.0.0.128/25", IPVersion: 4}}))
	require.NoError(t, mgr.CreateRouter(&types.VirtualRouter{ID: "r1", TenantID: "t1"}))
	require.NoError(t, mgr.AddRouterInterface("r1", "n1", []string{"s1"}))

	assert.Equal(t, namer.DefaultVRF("t1"), mapping(t, eng, "n1").RoutingDomain)
	assert.Equal(t, namer.UnroutedVRF(), mapping(t, eng, "n2").RoutingDomain)

	// Engine rejections come back unchanged
	err := mgr.AddRouterInterface("r1", "n2", []string{"s2"})
	assert.ErrorIs(t, err, types.ErrAddressOverlap)
	var overlap *types.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, "s1", overlap.SubnetA)

	require.NoError(t, mgr.RemoveRouterInterface("r1", "n1", []string{"s1"}))
	assert.Equal(t, namer.UnroutedVRF(), mapping(t, eng, "n1").RoutingDomain)

	require.NoError(t, mgr.CreateSecurityGroup(&types.SecurityGroup{ID: "sg1", TenantID: "t1", Name: "web"}))
	require.NoError(t, mgr.UpdatePort(&types.Port{ID: "p1", NetworkID: "n1", TenantID: "t1"}))
	require.NoError(t, mgr.DeletePort("p1"))
	require.NoError(t, mgr.DeleteSecurityGroup("sg1"))
	require.NoError(t, mgr.DeleteRouter("r1"))
	require.NoError(t, mgr.DeleteNetwork("n2"))

	assert.ErrorIs(t, mgr.DeleteNetwork("n2"), types.ErrNotFound)

	inv, err := mgr.Inventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inv.UnroutedNetworks)
	assert.Zero(t, inv.Routers)
	assert.Greater(t, mgr.AppliedIndex(), uint64(0))
}

func TestCreateNetworkFixesCreationTime(t *testing.T) {
	mgr := newTestManager(t)
	n := &types.VirtualNetwork{ID: "n1", TenantID: "t1"}
	require.NoError(t, mgr.CreateNetwork(n, nil))
	require.False(t, n.CreatedAt.IsZero())

	var stored *types.VirtualNetwork
	require.NoError(t, mgr.Engine().Store().View(context.Background(), func(r storage.Reader) error {
		var err error
		stored, err = r.GetNetwork("n1")
		return err
	}))
	assert.True(t, n.CreatedAt.Equal(stored.CreatedAt))
}

func TestApplyStampsRawNetworkCreate(t *testing.T) {
	mgr := newTestManager(t)
	data, err := json.Marshal(NetworkPayload{Network: &types.VirtualNetwork{ID: "n1", TenantID: "t1"}})
	require.NoError(t, err)
	require.NoError(t, mgr.Apply(Command{Op: OpNetworkCreate, Data: data}))

	var stored *types.VirtualNetwork
	require.NoError(t, mgr.Engine().Store().View(context.Background(), func(r storage.Reader) error {
		var err error
		stored, err = r.GetNetwork("n1")
		return err
	}))
	assert.False(t, stored.CreatedAt.IsZero())

	assert.ErrorIs(t, mgr.Apply(Command{Op: OpNetworkCreate, Data: []byte(`"n2"`)}), ErrBadCommand)
}

func TestFSMApplyRejectsUnknownCommands(t *testing.T) {
	fsm := NewFSM(newTestEngine(t))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "garbage", data: []byte("{")},
		{name: "unknown op", data: []byte(`{"op":"reboot","data":null}`)},
		{name: "network without body", data: []byte(`{"op":"network_create","data":{}}`)},
		{name: "bad payload", data: []byte(`{"op":"router_create","data":"r1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fsm.Apply(&raft.Log{Data: tt.data})
			err, isErr := resp.(error)
			require.True(t, isErr, "got %v", resp)
			assert.ErrorIs(t, err, ErrBadCommand)
		})
	}
}

type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string   { return "test" }
func (s *memorySink) Close() error { return nil }

func (s *memorySink) Cancel() error {
	s.canceled = true
	return nil
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine(t)
	require.NoError(t, src.OnNetworkCreate(ctx, &types.VirtualNetwork{ID: "n1", TenantID: "t1"},
		[]*types.Subnet{{ID: "s1", CIDR: "10.0.0.0/24", IPVersion: 4}}))
	require.NoError(t, src.OnRouterCreate(ctx, &types.VirtualRouter{ID: "r1", TenantID: "t1"}))
	require.NoError(t, src.OnRouterInterfaceAdd(ctx, "r1", "n1", []string{"s1"}))

	snap, err := NewFSM(src).Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.canceled)

	dst := newTestEngine(t)
	require.NoError(t, NewFSM(dst).Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	want, err := src.Store().Dump(ctx)
	require.NoError(t, err)
	got, err := dst.Store().Dump(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored store differs (-want +got):\n%s", diff)
	}
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	err := NewFSM(newTestEngine(t)).Restore(io.NopCloser(bytes.NewReader([]byte("not json"))))
	assert.Error(t, err)
}

func TestCommandWireFormat(t *testing.T) {
	data, err := json.Marshal(InterfacePayload{RouterID: "r1", NetworkID: "n1", SubnetIDs: []string{"s1"}})
	require.NoError(t, err)
	cmd := Command{Op: OpRouterInterfaceAdd, Data: data}

	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"router_interface_add","data":{"router_id":"r1","network_id":"n1","subnet_ids":["s1"]}}`, string(raw))
}
