package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/config"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsYAML = `apiVersion: topofabric/v1
kind: Events
events:
  - op: network_create
    data:
      network: {id: n1, tenant_id: t1, name: web}
      subnets:
        - {id: s1, cidr: 10.0.0.0/24, ip_version: 4}
  - op: router_create
    data: {id: r1, tenant_id: t1}
  - op: router_interface_add
    data: {router_id: r1, network_id: n1, subnet_ids: [s1]}
---
events:
  - op: network_delete
    data: n9
`

func TestParseEvents(t *testing.T) {
	batches, err := parseEvents(strings.NewReader(eventsYAML))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 3)
	require.Len(t, batches[1], 1)

	var p manager.NetworkPayload
	require.NoError(t, json.Unmarshal(batches[0][0].Data, &p))
	require.NotNil(t, p.Network)
	assert.Equal(t, "t1", p.Network.TenantID)
	require.Len(t, p.Subnets, 1)
	assert.Equal(t, "10.0.0.0/24", p.Subnets[0].CIDR)
	assert.Equal(t, 4, p.Subnets[0].IPVersion)

	var router types.VirtualRouter
	require.NoError(t, json.Unmarshal(batches[0][1].Data, &router))
	assert.Equal(t, "r1", router.ID)

	var intf manager.InterfacePayload
	require.NoError(t, json.Unmarshal(batches[0][2].Data, &intf))
	assert.Equal(t, []string{"s1"}, intf.SubnetIDs)

	assert.Equal(t, manager.OpNetworkDelete, batches[1][0].Op)
	assert.JSONEq(t, `"n9"`, string(batches[1][0].Data))
}

func TestParseEventsRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "wrong kind", doc: "kind: Service\nevents: []\n"},
		{name: "missing op", doc: "events:\n  - data: {id: r1}\n"},
		{name: "not yaml", doc: "events: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEvents(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Fabric.CommonTenant = "shared"
	cfg.Engine.MaxRetries = 7
	cfg.Engine.AllowOverlappingSubnets = true

	opts := engineOptions(cfg)
	assert.Equal(t, "shared", opts.CommonTenant)
	assert.Equal(t, 7, opts.MaxRetries)
	assert.True(t, opts.AllowOverlap)
	assert.Equal(t, cfg.Fabric.RouterIDPool, opts.RouterIDPool)
}

func TestPrintReport(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clean := &api.ReportView{ID: "a", StartedAt: start, FinishedAt: start.Add(time.Second), Clean: true}

	var buf bytes.Buffer
	printReport(&buf, clean)
	assert.Contains(t, buf.String(), "match the topology store")
	assert.Zero(t, unrepaired(clean))

	dirty := &api.ReportView{
		ID:     "b",
		Counts: map[string]int{"orphan": 1, "missing": 1},
		Discrepancies: []api.DiscrepancyView{
			{Kind: "missing", Subject: "security_group:prj_t1/sg_sg1", Repaired: true},
			{Kind: "orphan", Subject: "routing_domain:prj_t9/stale"},
		},
	}
	buf.Reset()
	printReport(&buf, dirty)
	out := buf.String()
	assert.Contains(t, out, "SUBJECT")
	assert.Contains(t, out, "routing_domain:prj_t9/stale")
	assert.Equal(t, 1, unrepaired(dirty))
}

func TestReadinessWaitsForStartupReconcile(t *testing.T) {
	assert.Equal(t, []string{"store", "fabric", "raft", "reconciler"}, criticalComponents())

	metrics.SetCriticalComponents(criticalComponents()...)
	t.Cleanup(func() { metrics.SetCriticalComponents(metrics.DefaultCriticalComponents...) })
	for _, name := range metrics.DefaultCriticalComponents {
		metrics.RegisterComponent(name, true, "")
	}
	metrics.RegisterComponent("reconciler", false, "startup pass pending")
	assert.Equal(t, "not_ready", metrics.GetReadiness().Status)

	metrics.UpdateComponent("reconciler", true, "")
	assert.Equal(t, "ready", metrics.GetReadiness().Status)
}
