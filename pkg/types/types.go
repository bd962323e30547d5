package types

import (
	"sort"
	"strings"
	"time"
)

// UnscopedSentinel is the address scope id used by subnets that were explicitly
// placed outside of any address scope. It behaves like an empty scope id.
const UnscopedSentinel = "unscoped"

// NetworkKind is the flavor discriminator of a virtual network
type NetworkKind string

const (
	NetworkKindPlain    NetworkKind = "plain"    // bridging domain + endpoint group
	NetworkKindExternal NetworkKind = "external" // pre-provisioned external gateway
	NetworkKindSVI      NetworkKind = "svi"      // routed through an external gateway object
)

// VirtualNetwork represents a logical network owned by the topology store
type VirtualNetwork struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id,omitempty"`
	Name     string      `json:"name,omitempty"`
	Shared   bool        `json:"shared,omitempty"`
	External bool        `json:"external,omitempty"`
	Kind     NetworkKind `json:"kind,omitempty"`

	// ExternalGateway names the pre-provisioned fabric gateway ("tenant/name")
	// used by external networks.
	ExternalGateway string `json:"external_gateway,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Flavor returns the network kind, defaulting to plain
func (n *VirtualNetwork) Flavor() NetworkKind {
	if n.Kind == "" {
		if n.External {
			return NetworkKindExternal
		}
		return NetworkKindPlain
	}
	return n.Kind
}

// Subnet is an address range inside a virtual network
type Subnet struct {
	ID             string `json:"id"`
	NetworkID      string `json:"network_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	CIDR           string `json:"cidr"` // e.g. "10.0.0.0/24"
	GatewayIP      string `json:"gateway_ip,omitempty"`
	IPVersion      int    `json:"ip_version,omitempty"`
	AddressScopeID string `json:"address_scope_id,omitempty"`
}

// Scoped reports whether the subnet belongs to a genuine address scope
func (s *Subnet) Scoped() bool {
	return s.AddressScopeID != "" && s.AddressScopeID != UnscopedSentinel
}

// VirtualRouter represents a logical router
type VirtualRouter struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenant_id,omitempty"`
	Name             string   `json:"name,omitempty"`
	GatewayNetworkID string   `json:"gateway_network_id,omitempty"` // external network the router's gateway port sits on
	ExtraProvided    []string `json:"extra_provided,omitempty"`     // additional provided contract names
	ExtraConsumed    []string `json:"extra_consumed,omitempty"`     // additional consumed contract names
}

// RouterInterface attaches a router to one subnet of a network
type RouterInterface struct {
	RouterID  string `json:"router_id,omitempty"`
	NetworkID string `json:"network_id,omitempty"`
	SubnetID  string `json:"subnet_id,omitempty"`
	GatewayIP string `json:"gateway_ip,omitempty"`
}

// AddressScope groups subnet pools that share a routing domain
type AddressScope struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Name      string `json:"name,omitempty"`
	IPVersion int    `json:"ip_version,omitempty"`

	// IsomorphicWith names a scope of the other IP version whose routing
	// domain this scope aliases.
	IsomorphicWith string `json:"isomorphic_with,omitempty"`

	// AllowOverlap disables overlap validation inside the scope's routing domain
	AllowOverlap bool `json:"allow_overlap,omitempty"`
}

// Port is a virtual port; only its network placement matters here
type Port struct {
	ID          string `json:"id"`
	NetworkID   string `json:"network_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	DeviceOwner string `json:"device_owner,omitempty"`
	Bound       bool   `json:"bound,omitempty"`
}

// SecurityGroup is a virtual security group; rule translation is out of scope
type SecurityGroup struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

// NetworkMapping binds a virtual network to its fabric identities
type NetworkMapping struct {
	NetworkID       string
	BridgingDomain  Ref
	EndpointGroup   Ref
	ExternalGateway Ref
	RoutingDomain   Ref
	Revision        uint64
}

// Tenant returns the fabric tenant that currently owns the network's objects
func (m *NetworkMapping) Tenant() string {
	switch {
	case m.BridgingDomain.Name != "":
		return m.BridgingDomain.Tenant
	case m.ExternalGateway.Name != "":
		return m.ExternalGateway.Tenant
	default:
		return m.EndpointGroup.Tenant
	}
}

// AddressScopeMapping binds an address scope to its routing domain
type AddressScopeMapping struct {
	ScopeID       string
	RoutingDomain Ref
	VRFOwned      bool
	Revision      uint64
}

// RouterIDAllocation records a router id handed out from the pool
type RouterIDAllocation struct {
	Owner    string // key of the owning node profile
	RouterID string
}

// Kind identifies the type of a fabric object
type Kind string

const (
	KindRoutingDomain    Kind = "routing_domain"
	KindBridgingDomain   Kind = "bridging_domain"
	KindEndpointGroup    Kind = "endpoint_group"
	KindExternalGateway  Kind = "external_gateway"
	KindContract         Kind = "contract"
	KindAddressRange     Kind = "address_range"
	KindNodeProfile      Kind = "node_profile"
	KindInterfaceProfile Kind = "interface_profile"
	KindSecurityGroup    Kind = "security_group"
)

// AllKinds lists every fabric object kind, parents before children
var AllKinds = []Kind{
	KindRoutingDomain,
	KindBridgingDomain,
	KindEndpointGroup,
	KindExternalGateway,
	KindContract,
	KindSecurityGroup,
	KindAddressRange,
	KindNodeProfile,
	KindInterfaceProfile,
}

// Ref is the identity of a fabric object
type Ref struct {
	Kind   Kind
	Tenant string
	Name   string
	Parent string // parent object name for child kinds
}

// IsZero reports whether the ref is unset
func (r Ref) IsZero() bool {
	return r.Name == ""
}

// Key returns a stable string form usable as a map or database key
func (r Ref) Key() string {
	return strings.Join([]string{string(r.Kind), r.Tenant, r.Parent, r.Name}, "|")
}

func (r Ref) String() string {
	if r.Parent != "" {
		return string(r.Kind) + ":" + r.Tenant + "/" + r.Parent + "/" + r.Name
	}
	return string(r.Kind) + ":" + r.Tenant + "/" + r.Name
}

// SyncStatus is the fabric's view of whether an object was programmed
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// Object is a fabric resource
type Object struct {
	Ref
	DisplayName string

	// Routing domain reference (bridging domains, external gateways)
	VRFTenant string
	VRFName   string

	// Bridging domain name (endpoint groups)
	BridgingDomain string

	// Contract names (endpoint groups, external gateways)
	Provided []string
	Consumed []string

	// Address (address ranges: gateway/prefix, e.g. "10.0.0.1/24")
	CIDR string

	// Router id (node profiles)
	RouterID string

	// Monitored objects were provisioned outside the engine and are never
	// deleted or reported as orphans.
	Monitored bool

	SyncStatus SyncStatus
}

// Clone returns a deep copy of the object
func (o *Object) Clone() *Object {
	c := *o
	c.Provided = append([]string(nil), o.Provided...)
	c.Consumed = append([]string(nil), o.Consumed...)
	return &c
}

// Equal compares the desired attributes of two objects; sync status is ignored
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Ref == other.Ref &&
		o.DisplayName == other.DisplayName &&
		o.VRFTenant == other.VRFTenant &&
		o.VRFName == other.VRFName &&
		o.BridgingDomain == other.BridgingDomain &&
		sameSet(o.Provided, other.Provided) &&
		sameSet(o.Consumed, other.Consumed) &&
		o.CIDR == other.CIDR &&
		o.RouterID == other.RouterID &&
		o.Monitored == other.Monitored
}

// SortedSet returns the de-duplicated, sorted copy of names
func SortedSet(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	sa, sb := SortedSet(a), SortedSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
