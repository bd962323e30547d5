package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/reconciler"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newTestNode(t *testing.T) *manager.Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := engine.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	eng, err := engine.New(store, fabric.NewMemoryClient(), nil, opts)
	require.NoError(t, err)

	mgr, err := manager.NewManager(&manager.Config{NodeID: "node-1", InMemory: true}, eng)
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap())
	t.Cleanup(func() { _ = mgr.Shutdown() })
	require.NoError(t, mgr.WaitForLeader(5*time.Second))
	return mgr
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mgr := newTestNode(t)
	rec := reconciler.NewReconciler(mgr.Engine(), nil, reconciler.DefaultOptions())
	srv := httptest.NewServer(api.NewServer(mgr, rec).GetHandler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func cmd(t *testing.T, op string, payload any) manager.Command {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return manager.Command{Op: op, Data: data}
}

func TestNewClientAddsScheme(t *testing.T) {
	c, err := NewClient("localhost:9090")
	require.NoError(t, err)
	assert.Equal(t, "http", c.base.Scheme)
	assert.Equal(t, "localhost:9090", c.base.Host)
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.LastReport(ctx)
	assert.True(t, IsReason(err, "not_found"), "got %v", err)

	resp, err := c.ApplyCommands(ctx, []manager.Command{
		cmd(t, manager.OpNetworkCreate, manager.NetworkPayload{
			Network: &types.VirtualNetwork{ID: "n1", TenantID: "t1"},
			Subnets: []*types.Subnet{{ID: "s1", CIDR: "10.0.0.0/24", IPVersion: 4}},
		}),
		cmd(t, manager.OpRouterCreate, &types.VirtualRouter{ID: "r1", TenantID: "t1"}),
		cmd(t, manager.OpRouterInterfaceAdd, manager.InterfacePayload{RouterID: "r1", NetworkID: "n1", SubnetIDs: []string{"s1"}}),
		cmd(t, manager.OpPortUpdate, &types.Port{ID: "p1", NetworkID: "n1", TenantID: "t1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Applied)

	topo, err := c.Topology(ctx)
	require.NoError(t, err)
	require.Len(t, topo.Components, 1)
	assert.Equal(t, []string{"r1"}, topo.Components[0].Routers)

	b, err := c.Binding(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "n1", b.NetworkID)

	report, err := c.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean)

	last, err := c.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ID, last.ID)

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Status)
}

func TestApplyCommandsReportsRejection(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.ApplyCommands(context.Background(), []manager.Command{
		cmd(t, manager.OpRouterCreate, &types.VirtualRouter{ID: "r1", TenantID: "t1"}),
		cmd(t, manager.OpRouterInterfaceAdd, manager.InterfacePayload{RouterID: "r1", NetworkID: "ghost"}),
	})
	require.Error(t, err)
	assert.True(t, IsReason(err, "not_found"), "got %v", err)
	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, manager.OpRouterInterfaceAdd, resp.Failed)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestCheckHealth(t *testing.T) {
	g := api.NewGRPCServer(nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := CheckHealth(ctx, lis.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = CheckHealth(ctx, lis.Addr().String(), api.EngineService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}
