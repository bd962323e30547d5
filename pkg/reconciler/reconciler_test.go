package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*engine.Engine, *fabric.MemoryClient) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fc := fabric.NewMemoryClient()
	opts := engine.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	eng, err := engine.New(store, fc, nil, opts)
	require.NoError(t, err)
	return eng, fc
}

// populate builds a topology exercising every network flavor:
//
//	n1 (t1) ─┐
//	n2 (t2, shared) ─ r1 ── gateway ext (common/l3out)
//	n5 (t1, svi) ────┘
//	n3 (t3, scoped sc1) ─ r2
//	n4 (t1) unrouted, sg1 (t1)
func populate(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx := context.Background()

	network := func(n *types.VirtualNetwork, subnets ...*types.Subnet) {
		n.Name = n.ID
		require.NoError(t, eng.OnNetworkCreate(ctx, n, subnets))
	}
	subnet := func(id, cidr, scope string) *types.Subnet {
		return &types.Subnet{ID: id, CIDR: cidr, IPVersion: 4, AddressScopeID: scope}
	}

	require.NoError(t, eng.OnAddressScopeChange(ctx, &types.AddressScope{ID: "sc1", TenantID: "t3", Name: "scope-one", IPVersion: 4}))

	network(&types.VirtualNetwork{ID: "n1", TenantID: "t1"}, subnet("n1-s0", "10.1.0.0/24", ""))
	network(&types.VirtualNetwork{ID: "n2", TenantID: "t2", Shared: true}, subnet("n2-s0", "10.2.0.0/24", ""))
	network(&types.VirtualNetwork{ID: "n3", TenantID: "t3"}, subnet("n3-s0", "10.3.0.0/24", "sc1"))
	network(&types.VirtualNetwork{ID: "n4", TenantID: "t1"}, subnet("n4-s0", "10.4.0.0/24", ""))
	network(&types.VirtualNetwork{ID: "n5", TenantID: "t1", Kind: types.NetworkKindSVI}, subnet("n5-s0", "10.5.0.0/24", ""))
	network(&types.VirtualNetwork{ID: "ext", TenantID: "admin", External: true, ExternalGateway: "common/l3out"})

	require.NoError(t, eng.OnRouterCreate(ctx, &types.VirtualRouter{ID: "r1", TenantID: "t1", Name: "edge", ExtraProvided: []string{"web"}}))
	require.NoError(t, eng.OnRouterCreate(ctx, &types.VirtualRouter{ID: "r2", TenantID: "t3", Name: "core"}))

	require.NoError(t, eng.OnRouterInterfaceAdd(ctx, "r1", "n1", []string{"n1-s0"}))
	require.NoError(t, eng.OnRouterInterfaceAdd(ctx, "r1", "n2", []string{"n2-s0"}))
	require.NoError(t, eng.OnRouterInterfaceAdd(ctx, "r1", "n5", []string{"n5-s0"}))
	require.NoError(t, eng.OnRouterInterfaceAdd(ctx, "r2", "n3", []string{"n3-s0"}))
	require.NoError(t, eng.OnRouterGatewaySet(ctx, "r1", "ext"))

	require.NoError(t, eng.OnSecurityGroupCreate(ctx, &types.SecurityGroup{ID: "sg1", TenantID: "t1", Name: "web"}))
}

func mappingOf(t *testing.T, eng *engine.Engine, networkID string) *types.NetworkMapping {
	t.Helper()
	var m *types.NetworkMapping
	require.NoError(t, eng.Store().View(context.Background(), func(r storage.Reader) error {
		var err error
		m, err = r.GetNetworkMapping(networkID)
		return err
	}))
	return m
}

type finding struct {
	Kind    DiscrepancyKind
	Subject string
}

func findings(report *ValidationReport) []finding {
	out := make([]finding, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		out = append(out, finding{Kind: d.Kind, Subject: d.Subject()})
	}
	return out
}

func TestReconcileAfterEngineIsClean(t *testing.T) {
	ctx := context.Background()
	eng, fc := newTestEngine(t)
	populate(t, eng)

	rec := NewReconciler(eng, nil, DefaultOptions())
	before, err := fc.Find(ctx, fabric.Filter{})
	require.NoError(t, err)

	for pass := 0; pass < 2; pass++ {
		report, err := rec.Reconcile(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, findings(report), "pass %d", pass)
		assert.True(t, report.Clean())
		assert.NotEmpty(t, report.ID)
		assert.False(t, report.FinishedAt.Before(report.StartedAt))
	}

	after, err := fc.Find(ctx, fabric.Filter{})
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("validation changed the fabric (-before +after):\n%s", diff)
	}
}

func TestReconcileAfterDetachIsClean(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	populate(t, eng)

	require.NoError(t, eng.OnRouterInterfaceRemove(ctx, "r1", "n2", []string{"n2-s0"}))
	require.NoError(t, eng.OnRouterInterfaceRemove(ctx, "r2", "n3", []string{"n3-s0"}))
	require.NoError(t, eng.OnSecurityGroupDelete(ctx, "sg1"))

	report, err := NewReconciler(eng, nil, DefaultOptions()).Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, findings(report))
}

func TestReconcileReportsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	eng, fc := newTestEngine(t)
	populate(t, eng)
	namer := eng.Namer()

	// Fabric drift
	sg := namer.SecurityGroup(&types.SecurityGroup{ID: "sg1", TenantID: "t1"})
	require.NoError(t, fc.Delete(ctx, sg, true))

	epg, err := fc.Get(ctx, mappingOf(t, eng, "n2").EndpointGroup)
	require.NoError(t, err)
	epg.Provided = []string{"bogus"}
	require.NoError(t, fc.Update(ctx, epg))

	contract := namer.RouterContract(&types.VirtualRouter{ID: "r2", TenantID: "t3"})
	require.NoError(t, fc.SetSyncStatus(contract, types.SyncStatusFailed))

	stale := types.Ref{Kind: types.KindContract, Tenant: "prj_t9", Name: "stale"}
	require.NoError(t, fc.Create(ctx, &types.Object{Ref: stale}, false))

	template := types.Ref{Kind: types.KindExternalGateway, Tenant: "common", Name: "l3out"}
	require.NoError(t, fc.Create(ctx, &types.Object{Ref: template, Monitored: true}, false))

	// Mapping drift
	require.NoError(t, eng.Store().Update(ctx, func(tx storage.Tx) error {
		m, err := tx.GetNetworkMapping("n3")
		if err != nil {
			return err
		}
		m.RoutingDomain = namer.UnroutedVRF()
		if err := tx.PutNetworkMapping(m); err != nil {
			return err
		}
		return tx.PutNetworkMapping(&types.NetworkMapping{NetworkID: "ghost", RoutingDomain: namer.UnroutedVRF()})
	}))

	rec := NewReconciler(eng, nil, DefaultOptions())
	report, err := rec.Reconcile(ctx, false)
	require.NoError(t, err)

	want := []finding{
		{KindMappingMismatch, "network:n3"},
		{KindMappingOrphan, "network:ghost"},
		{KindMissing, sg.String()},
		{KindMismatch, epg.Ref.String()},
		{KindSyncFailed, contract.String()},
		{KindOrphan, stale.String()},
	}
	if diff := cmp.Diff(want, findings(report)); diff != "" {
		t.Fatalf("findings (-want +got):\n%s", diff)
	}
	assert.Len(t, report.Unrepaired(), len(want), "validation repairs nothing")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReconcileDiscrepancies.WithLabelValues(string(KindOrphan))))
	assert.Same(t, report, rec.Last())

	repaired, err := rec.Reconcile(ctx, true)
	require.NoError(t, err)
	require.Len(t, repaired.Discrepancies, len(want))
	assert.Empty(t, repaired.Unrepaired())

	clean, err := rec.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, findings(clean))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ReconcileDiscrepancies.WithLabelValues(string(KindOrphan))))

	_, err = fc.Get(ctx, template)
	assert.NoError(t, err, "monitored objects survive repair")
	_, err = fc.Get(ctx, stale)
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := fc.Get(ctx, epg.Ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"rtr_r1"}, got.Provided)
	assert.Equal(t, namer.ScopeVRF(&types.AddressScope{ID: "sc1", TenantID: "t3"}), mappingOf(t, eng, "n3").RoutingDomain)
}

func TestReconcileInvalidTopology(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.OnAddressScopeChange(ctx, &types.AddressScope{ID: "sc1", TenantID: "t1", Name: "s", IPVersion: 4}))
	require.NoError(t, eng.OnNetworkCreate(ctx, &types.VirtualNetwork{ID: "n1", TenantID: "t1", Name: "n1"}, []*types.Subnet{
		{ID: "a", CIDR: "10.0.0.0/24", IPVersion: 4, AddressScopeID: "sc1"},
		{ID: "b", CIDR: "10.0.1.0/24", IPVersion: 4},
	}))
	require.NoError(t, eng.OnRouterCreate(ctx, &types.VirtualRouter{ID: "r1", TenantID: "t1"}))

	// Bypass the engine: it rejects mixing scoped and unscoped subnets
	require.NoError(t, eng.Store().Update(ctx, func(tx storage.Tx) error {
		for _, id := range []string{"a", "b"} {
			if err := tx.PutRouterInterface(&types.RouterInterface{RouterID: "r1", NetworkID: "n1", SubnetID: id}); err != nil {
				return err
			}
		}
		return nil
	}))

	report, err := NewReconciler(eng, nil, DefaultOptions()).Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts()[KindInvalidTopology])
	for _, d := range report.Discrepancies {
		if d.Kind == KindInvalidTopology {
			assert.Equal(t, "n1", d.NetworkID)
			assert.False(t, d.Repaired)
			assert.Contains(t, d.Detail, "unscoped")
		}
	}
}

func TestReconcilePublishesEvent(t *testing.T) {
	eng, _ := newTestEngine(t)
	populate(t, eng)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	report, err := NewReconciler(eng, broker, DefaultOptions()).Reconcile(context.Background(), false)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventReconcileCompleted, ev.Type)
		assert.Equal(t, report.ID, ev.Metadata["report"])
		assert.Equal(t, "0", ev.Metadata["discrepancies"])
	case <-time.After(2 * time.Second):
		t.Fatal("no reconcile.completed event")
	}
}

func TestReconcilerLoop(t *testing.T) {
	eng, fc := newTestEngine(t)
	populate(t, eng)
	stale := types.Ref{Kind: types.KindSecurityGroup, Tenant: "prj_t1", Name: "sg_gone"}
	require.NoError(t, fc.Create(context.Background(), &types.Object{Ref: stale}, false))

	rec := NewReconciler(eng, nil, Options{Interval: 10 * time.Millisecond, Repair: true})
	assert.Nil(t, rec.Last())
	rec.Start()
	defer rec.Stop()

	assert.Eventually(t, func() bool {
		_, err := fc.Get(context.Background(), stale)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, rec.Last())
}

// heldFabric parks the first Find after arm until release is closed
type heldFabric struct {
	fabric.Client
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHeldFabric(inner fabric.Client) *heldFabric {
	return &heldFabric{
		Client:  inner,
		armed:   make(chan struct{}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *heldFabric) arm() { close(h.armed) }

func (h *heldFabric) Find(ctx context.Context, filter fabric.Filter) ([]*types.Object, error) {
	select {
	case <-h.armed:
		h.once.Do(func() {
			close(h.entered)
			<-h.release
		})
	default:
	}
	return h.Client.Find(ctx, filter)
}

func TestReadOnlyPassDoesNotBlockUnitsOfWork(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	held := newHeldFabric(fabric.NewMemoryClient())
	opts := engine.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	eng, err := engine.New(store, held, nil, opts)
	require.NoError(t, err)
	populate(t, eng)

	rec := NewReconciler(eng, nil, DefaultOptions())
	held.arm()
	done := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(context.Background(), false)
		done <- err
	}()

	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation pass never read the fabric")
	}

	created := make(chan error, 1)
	go func() {
		created <- eng.OnRouterCreate(context.Background(), &types.VirtualRouter{ID: "r9", TenantID: "t9"})
	}()
	select {
	case err := <-created:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("router create waited on the reconciliation pass")
		close(held.release)
		<-created
		<-done
		return
	}

	close(held.release)
	require.NoError(t, <-done)
}
