package api

import (
	"time"

	"github.com/cuemby/topofabric/pkg/bindings"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/reconciler"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
)

// CommandsRequest is a batch of topology commands, applied in order
type CommandsRequest struct {
	Commands []manager.Command `json:"commands"`
}

// CommandsResponse reports how far a batch got
type CommandsResponse struct {
	Applied int    `json:"applied"`
	Failed  string `json:"failed,omitempty"` // op of the rejected command
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"` // machine readable rejection class
}

// BindingView is the fabric placement of a port
type BindingView struct {
	PortID          string `json:"port_id"`
	NetworkID       string `json:"network_id"`
	RoutingDomain   string `json:"routing_domain"`
	BridgingDomain  string `json:"bridging_domain,omitempty"`
	EndpointGroup   string `json:"endpoint_group,omitempty"`
	ExternalGateway string `json:"external_gateway,omitempty"`
}

// NetworkView is a network with its current fabric identities
type NetworkView struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name,omitempty"`
	Kind            string `json:"kind"`
	Tenant          string `json:"tenant"` // fabric tenant holding its objects
	RoutingDomain   string `json:"routing_domain"`
	BridgingDomain  string `json:"bridging_domain,omitempty"`
	EndpointGroup   string `json:"endpoint_group,omitempty"`
	ExternalGateway string `json:"external_gateway,omitempty"`
	Routed          bool   `json:"routed"`
}

// ComponentView is one connected topology
type ComponentView struct {
	Routers    []string `json:"routers"`
	Networks   []string `json:"networks"`
	Interfaces int      `json:"interfaces"`
}

// TopologyView is the derived topology of the whole store
type TopologyView struct {
	Components []ComponentView `json:"components"`
	Networks   []NetworkView   `json:"networks"`
}

// DiscrepancyView is one reconciliation finding
type DiscrepancyView struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	NetworkID string `json:"network_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Repaired  bool   `json:"repaired"`
}

// ReportView is a reconciliation report
type ReportView struct {
	ID            string            `json:"id"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Repair        bool              `json:"repair"`
	Clean         bool              `json:"clean"`
	Counts        map[string]int    `json:"counts"`
	Discrepancies []DiscrepancyView `json:"discrepancies"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func refString(r types.Ref) string {
	if r.IsZero() {
		return ""
	}
	return r.String()
}

func newBindingView(b bindings.Binding) BindingView {
	return BindingView{
		PortID:          b.PortID,
		NetworkID:       b.NetworkID,
		RoutingDomain:   refString(b.RoutingDomain),
		BridgingDomain:  refString(b.BridgingDomain),
		EndpointGroup:   refString(b.EndpointGroup),
		ExternalGateway: refString(b.ExternalGateway),
	}
}

func newComponentView(t *topology.Topology) ComponentView {
	return ComponentView{
		Routers:    t.RouterIDs(),
		Networks:   t.NetworkIDs(),
		Interfaces: t.Interfaces,
	}
}

func newReportView(r *reconciler.ValidationReport) ReportView {
	view := ReportView{
		ID:            r.ID,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Repair:        r.Repair,
		Clean:         r.Clean(),
		Counts:        make(map[string]int),
		Discrepancies: make([]DiscrepancyView, 0, len(r.Discrepancies)),
	}
	for kind, n := range r.Counts() {
		if n > 0 {
			view.Counts[string(kind)] = n
		}
	}
	for _, d := range r.Discrepancies {
		view.Discrepancies = append(view.Discrepancies, DiscrepancyView{
			Kind:      string(d.Kind),
			Subject:   d.Subject(),
			NetworkID: d.NetworkID,
			Detail:    d.Detail,
			Repaired:  d.Repaired,
		})
	}
	return view
}
