package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/reconciler"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
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

	rec := reconciler.NewReconciler(eng, nil, reconciler.DefaultOptions())
	return NewServer(mgr, rec), mgr
}

func command(t *testing.T, op string, payload any) manager.Command {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return manager.Command{Op: op, Data: data}
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	w := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(w, req)
	return w
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(w, req)
	return w
}

func routedBatch(t *testing.T) CommandsRequest {
	return CommandsRequest{Commands: []manager.Command{
		command(t, manager.OpNetworkCreate, manager.NetworkPayload{
			Network: &types.VirtualNetwork{ID: "n1", TenantID: "t1", Name: "web"},
			Subnets: []*types.Subnet{{ID: "s1", CIDR: "10.0.0.0/24", IPVersion: 4}},
		}),
		command(t, manager.OpNetworkCreate, manager.NetworkPayload{
			Network: &types.VirtualNetwork{ID: "n2", TenantID: "t1", Name: "db"},
			Subnets: []*types.Subnet{{ID: "s2", CIDR: "10.0.0.128/25", IPVersion: 4}},
		}),
		command(t, manager.OpRouterCreate, &types.VirtualRouter{ID: "r1", TenantID: "t1"}),
		command(t, manager.OpRouterInterfaceAdd, manager.InterfacePayload{RouterID: "r1", NetworkID: "n1", SubnetIDs: []string{"s1"}}),
		command(t, manager.OpPortUpdate, &types.Port{ID: "p1", NetworkID: "n1", TenantID: "t1"}),
	}}
}

func TestCommandsApplyInOrder(t *testing.T) {
	s, _ := newTestServer(t)

	w := post(t, s, "/v1/commands", routedBatch(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CommandsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 5, resp.Applied)
	assert.Empty(t, resp.Error)

	w = get(s, "/v1/bindings/p1")
	require.Equal(t, http.StatusOK, w.Code)
	var b BindingView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	assert.Equal(t, "n1", b.NetworkID)
	assert.Equal(t, "routing_domain:prj_t1/DefaultVRF", b.RoutingDomain)
}

func TestCommandsStopAtFirstRejection(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, s, "/v1/commands", routedBatch(t)).Code)

	batch := CommandsRequest{Commands: []manager.Command{
		command(t, manager.OpRouterInterfaceAdd, manager.InterfacePayload{RouterID: "r1", NetworkID: "n2", SubnetIDs: []string{"s2"}}),
		command(t, manager.OpRouterDelete, "r1"),
	}}
	w := post(t, s, "/v1/commands", batch)
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp CommandsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Zero(t, resp.Applied)
	assert.Equal(t, manager.OpRouterInterfaceAdd, resp.Failed)
	assert.Equal(t, "address_overlap", resp.Reason)
}

func TestCommandsRejectBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		code   int
		reason string
	}{
		{
			name:   "unknown op",
			body:   CommandsRequest{Commands: []manager.Command{{Op: "reboot", Data: json.RawMessage(`null`)}}},
			code:   http.StatusBadRequest,
			reason: "bad_command",
		},
		{
			name:   "missing network",
			body:   CommandsRequest{Commands: []manager.Command{command(t, manager.OpNetworkDelete, "ghost")}},
			code:   http.StatusNotFound,
			reason: "not_found",
		},
		{
			name:   "not json",
			body:   "commands",
			code:   http.StatusBadRequest,
			reason: "bad_command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, s, "/v1/commands", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.reason, body["reason"])
		})
	}
}

func TestBindingUnknownPort(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(s, "/v1/bindings/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTopologyView(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, s, "/v1/commands", routedBatch(t)).Code)

	w := get(s, "/v1/topology")
	require.Equal(t, http.StatusOK, w.Code)

	var view TopologyView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	require.Len(t, view.Components, 1)
	assert.Equal(t, []string{"r1"}, view.Components[0].Routers)
	assert.Equal(t, []string{"n1"}, view.Components[0].Networks)

	require.Len(t, view.Networks, 2)
	assert.Equal(t, "n1", view.Networks[0].ID)
	assert.True(t, view.Networks[0].Routed)
	assert.Equal(t, "prj_t1", view.Networks[0].Tenant)
	assert.Equal(t, "n2", view.Networks[1].ID)
	assert.False(t, view.Networks[1].Routed)
	assert.Equal(t, "routing_domain:common/UnroutedVRF", view.Networks[1].RoutingDomain)
}

func TestReconcileEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/v1/reconcile")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, post(t, s, "/v1/commands", routedBatch(t)).Code)

	w = post(t, s, "/v1/reconcile?repair=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report ReportView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.True(t, report.Clean)
	assert.True(t, report.Repair)
	assert.Empty(t, report.Discrepancies)

	w = get(s, "/v1/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	var last ReportView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&last))
	assert.Equal(t, report.ID, last.ID)

	w = post(t, s, "/v1/reconcile?repair=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadyWithLeader(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
	assert.Equal(t, "leader", response.Checks["raft"])
	assert.Equal(t, "ok", response.Checks["storage"])
	assert.Equal(t, "no pass yet", response.Checks["reconciler"])
}

func TestMethodRouting(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/commands", nil)
	w := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
