package move

import (
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/types"
)

// Flavor is the per-kind behavior of a virtual network. Each network kind is
// routed through a different set of fabric objects.
type Flavor interface {
	Kind() types.NetworkKind

	// BridgingObjects returns the L2 objects (bridging domain, endpoint group)
	BridgingObjects(m *types.NetworkMapping) []types.Ref
	// ExternalObjects returns the external gateway objects
	ExternalObjects(m *types.NetworkMapping) []types.Ref

	// Relocate rewrites the mapping's object identities into tenant
	Relocate(m *types.NetworkMapping, tenant string)

	// Build returns the base objects of the network, parents first
	Build(m *types.NetworkMapping, n *types.VirtualNetwork) []*types.Object

	// RangeParent is the object address ranges live under (zero if none)
	RangeParent(m *types.NetworkMapping) types.Ref
	// PolicyObject is the object carrying router contracts (zero if none)
	PolicyObject(m *types.NetworkMapping) types.Ref
}

// FlavorOf dispatches on the network kind
func FlavorOf(namer *naming.Namer, n *types.VirtualNetwork) Flavor {
	switch n.Flavor() {
	case types.NetworkKindSVI:
		return sviFlavor{namer: namer, networkID: n.ID}
	case types.NetworkKindExternal:
		return externalFlavor{}
	default:
		return plainFlavor{namer: namer, networkID: n.ID}
	}
}

// Objects returns every object of the flavor, parents first
func Objects(f Flavor, m *types.NetworkMapping) []types.Ref {
	return append(f.BridgingObjects(m), f.ExternalObjects(m)...)
}

// plainFlavor: bridging domain + endpoint group
type plainFlavor struct {
	namer     *naming.Namer
	networkID string
}

func (plainFlavor) Kind() types.NetworkKind { return types.NetworkKindPlain }

func (f plainFlavor) BridgingObjects(m *types.NetworkMapping) []types.Ref {
	return []types.Ref{m.BridgingDomain, m.EndpointGroup}
}

func (plainFlavor) ExternalObjects(*types.NetworkMapping) []types.Ref { return nil }

func (f plainFlavor) Relocate(m *types.NetworkMapping, tenant string) {
	m.BridgingDomain = f.namer.BridgingDomain(tenant, f.networkID)
	m.EndpointGroup = f.namer.EndpointGroup(tenant, f.networkID)
}

func (f plainFlavor) Build(m *types.NetworkMapping, n *types.VirtualNetwork) []*types.Object {
	return []*types.Object{
		{
			Ref:         m.BridgingDomain,
			DisplayName: n.Name,
			VRFTenant:   m.RoutingDomain.Tenant,
			VRFName:     m.RoutingDomain.Name,
		},
		{
			Ref:            m.EndpointGroup,
			DisplayName:    n.Name,
			BridgingDomain: m.BridgingDomain.Name,
		},
	}
}

func (plainFlavor) RangeParent(m *types.NetworkMapping) types.Ref { return m.BridgingDomain }
func (plainFlavor) PolicyObject(m *types.NetworkMapping) types.Ref { return m.EndpointGroup }

// sviFlavor: the network is an external gateway with an interface profile
type sviFlavor struct {
	namer     *naming.Namer
	networkID string
}

func (sviFlavor) Kind() types.NetworkKind { return types.NetworkKindSVI }

func (sviFlavor) BridgingObjects(*types.NetworkMapping) []types.Ref { return nil }

func (f sviFlavor) ExternalObjects(m *types.NetworkMapping) []types.Ref {
	return []types.Ref{m.ExternalGateway}
}

func (f sviFlavor) Relocate(m *types.NetworkMapping, tenant string) {
	m.ExternalGateway = f.namer.SVIGateway(tenant, f.networkID)
}

func (f sviFlavor) Build(m *types.NetworkMapping, n *types.VirtualNetwork) []*types.Object {
	return []*types.Object{
		{
			Ref:         m.ExternalGateway,
			DisplayName: n.Name,
			VRFTenant:   m.RoutingDomain.Tenant,
			VRFName:     m.RoutingDomain.Name,
		},
		{
			Ref:         f.namer.InterfaceProfile(m.ExternalGateway),
			DisplayName: n.Name,
		},
	}
}

func (sviFlavor) RangeParent(m *types.NetworkMapping) types.Ref { return m.ExternalGateway }
func (sviFlavor) PolicyObject(m *types.NetworkMapping) types.Ref { return m.ExternalGateway }

// externalFlavor: the network is served by a pre-provisioned gateway and owns
// no fabric objects of its own
type externalFlavor struct{}

func (externalFlavor) Kind() types.NetworkKind { return types.NetworkKindExternal }
func (externalFlavor) BridgingObjects(*types.NetworkMapping) []types.Ref { return nil }
func (externalFlavor) ExternalObjects(*types.NetworkMapping) []types.Ref { return nil }
func (externalFlavor) Relocate(*types.NetworkMapping, string) {}
func (externalFlavor) Build(*types.NetworkMapping, *types.VirtualNetwork) []*types.Object { return nil }
func (externalFlavor) RangeParent(*types.NetworkMapping) types.Ref { return types.Ref{} }
func (externalFlavor) PolicyObject(*types.NetworkMapping) types.Ref { return types.Ref{} }
