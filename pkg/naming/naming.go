// Package naming derives deterministic fabric identities from virtual objects.
package naming

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cuemby/topofabric/pkg/types"
)

const (
	DefaultCommonTenant = "common"
	DefaultTenantPrefix = "prj_"

	UnroutedVRFName = "UnroutedVRF"
	DefaultVRFName  = "DefaultVRF"

	scopeVRFPrefix = "as_"

	nodeProfileName      = "node_profile"
	interfaceProfileName = "interface_profile"
)

// Namer maps virtual identities to fabric identities
type Namer struct {
	CommonTenant string
	TenantPrefix string
}

// NewNamer returns a Namer, filling in defaults for empty fields
func NewNamer(commonTenant, tenantPrefix string) *Namer {
	if commonTenant == "" {
		commonTenant = DefaultCommonTenant
	}
	if tenantPrefix == "" {
		tenantPrefix = DefaultTenantPrefix
	}
	return &Namer{CommonTenant: commonTenant, TenantPrefix: tenantPrefix}
}

// Tenant returns the fabric tenant of a project
func (n *Namer) Tenant(projectID string) string {
	return n.TenantPrefix + projectID
}

// ProjectOf returns the project id of a fabric tenant, or "" for foreign tenants
func (n *Namer) ProjectOf(tenant string) string {
	if !strings.HasPrefix(tenant, n.TenantPrefix) {
		return ""
	}
	return strings.TrimPrefix(tenant, n.TenantPrefix)
}

// IsCommon reports whether tenant is the distinguished shared tenant
func (n *Namer) IsCommon(tenant string) bool {
	return tenant == n.CommonTenant
}

// UnroutedVRF is the singleton routing domain of unattached networks
func (n *Namer) UnroutedVRF() types.Ref {
	return types.Ref{Kind: types.KindRoutingDomain, Tenant: n.CommonTenant, Name: UnroutedVRFName}
}

// IsUnrouted reports whether ref is the unrouted routing domain
func (n *Namer) IsUnrouted(ref types.Ref) bool {
	return ref == n.UnroutedVRF()
}

// DefaultVRF is the lazily created per-project routing domain
func (n *Namer) DefaultVRF(projectID string) types.Ref {
	return types.Ref{Kind: types.KindRoutingDomain, Tenant: n.Tenant(projectID), Name: DefaultVRFName}
}

// IsDefaultVRF reports whether ref names some project's default routing domain
func (n *Namer) IsDefaultVRF(ref types.Ref) bool {
	return ref.Kind == types.KindRoutingDomain && ref.Name == DefaultVRFName &&
		n.ProjectOf(ref.Tenant) != ""
}

// ScopeVRF is the routing domain owned by an address scope
func (n *Namer) ScopeVRF(scope *types.AddressScope) types.Ref {
	return types.Ref{Kind: types.KindRoutingDomain, Tenant: n.Tenant(scope.TenantID), Name: scopeVRFPrefix + scope.ID}
}

// IsScopeVRF reports whether ref names an address scope's routing domain
func (n *Namer) IsScopeVRF(ref types.Ref) bool {
	return ref.Kind == types.KindRoutingDomain && strings.HasPrefix(ref.Name, scopeVRFPrefix)
}

// BridgingDomain of a network inside tenant
func (n *Namer) BridgingDomain(tenant, networkID string) types.Ref {
	return types.Ref{Kind: types.KindBridgingDomain, Tenant: tenant, Name: "net_" + networkID}
}

// EndpointGroup of a network inside tenant
func (n *Namer) EndpointGroup(tenant, networkID string) types.Ref {
	return types.Ref{Kind: types.KindEndpointGroup, Tenant: tenant, Name: "net_" + networkID}
}

// SVIGateway is the external gateway object representing an SVI network
func (n *Namer) SVIGateway(tenant, networkID string) types.Ref {
	return types.Ref{Kind: types.KindExternalGateway, Tenant: tenant, Name: "svi_" + networkID}
}

// ContractName is the identity contract name of a router
func (n *Namer) ContractName(routerID string) string {
	return "rtr_" + routerID
}

// RouterContract is the identity contract of a router
func (n *Namer) RouterContract(router *types.VirtualRouter) types.Ref {
	return types.Ref{Kind: types.KindContract, Tenant: n.Tenant(router.TenantID), Name: n.ContractName(router.ID)}
}

// SecurityGroup is the fabric container of a security group
func (n *Namer) SecurityGroup(sg *types.SecurityGroup) types.Ref {
	return types.Ref{Kind: types.KindSecurityGroup, Tenant: n.Tenant(sg.TenantID), Name: "sg_" + sg.ID}
}

// ExternalGateway is the per routing domain clone of an external network's
// pre-provisioned gateway.
func (n *Namer) ExternalGateway(gateway string, vrf types.Ref) types.Ref {
	_, name := SplitGateway(gateway)
	return types.Ref{
		Kind:   types.KindExternalGateway,
		Tenant: vrf.Tenant,
		Name:   fmt.Sprintf("%s__%s", name, vrf.Name),
	}
}

// NodeProfile is the router-id carrying child of an external gateway
func (n *Namer) NodeProfile(gateway types.Ref) types.Ref {
	return types.Ref{Kind: types.KindNodeProfile, Tenant: gateway.Tenant, Name: nodeProfileName, Parent: gateway.Name}
}

// InterfaceProfile is the interface child of an SVI gateway
func (n *Namer) InterfaceProfile(gateway types.Ref) types.Ref {
	return types.Ref{Kind: types.KindInterfaceProfile, Tenant: gateway.Tenant, Name: interfaceProfileName, Parent: gateway.Name}
}

// AddressRange is the gateway address child of a bridging domain or SVI gateway
func (n *Namer) AddressRange(parent types.Ref, gatewayIP, cidr string) (types.Ref, error) {
	addr, err := GatewayPrefix(gatewayIP, cidr)
	if err != nil {
		return types.Ref{}, err
	}
	return types.Ref{Kind: types.KindAddressRange, Tenant: parent.Tenant, Name: addr, Parent: parent.Name}, nil
}

// GatewayPrefix combines a gateway ip and a subnet cidr into "ip/bits"
func GatewayPrefix(gatewayIP, cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	ip, err := netip.ParseAddr(gatewayIP)
	if err != nil {
		return "", fmt.Errorf("invalid gateway ip %q: %w", gatewayIP, err)
	}
	return netip.PrefixFrom(ip, prefix.Bits()).String(), nil
}

// SplitGateway splits "tenant/name" into its parts
func SplitGateway(gateway string) (tenant, name string) {
	if i := strings.IndexByte(gateway, '/'); i >= 0 {
		return gateway[:i], gateway[i+1:]
	}
	return "", gateway
}

// FirstHost returns the first address after the network address of cidr
func FirstHost(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	addr := prefix.Masked().Addr().Next()
	if !addr.IsValid() || !prefix.Contains(addr) {
		return "", fmt.Errorf("cidr %q has no host addresses", cidr)
	}
	return addr.String(), nil
}
