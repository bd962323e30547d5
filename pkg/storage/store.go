package storage

import (
	"context"

	"github.com/cuemby/topofabric/pkg/types"
)

// Reader is the read side of the topology store
type Reader interface {
	// Networks and subnets
	GetNetwork(id string) (*types.VirtualNetwork, error)
	ListNetworks() ([]*types.VirtualNetwork, error)
	GetSubnet(id string) (*types.Subnet, error)
	ListSubnets() ([]*types.Subnet, error)
	ListSubnetsByNetwork(networkID string) ([]*types.Subnet, error)

	// Routers and their interfaces
	GetRouter(id string) (*types.VirtualRouter, error)
	ListRouters() ([]*types.VirtualRouter, error)
	ListRouterInterfaces() ([]*types.RouterInterface, error)
	ListInterfacesByRouter(routerID string) ([]*types.RouterInterface, error)
	ListInterfacesByNetwork(networkID string) ([]*types.RouterInterface, error)

	// Address scopes
	GetAddressScope(id string) (*types.AddressScope, error)
	ListAddressScopes() ([]*types.AddressScope, error)

	// Ports and security groups
	GetPort(id string) (*types.Port, error)
	ListPorts() ([]*types.Port, error)
	ListPortsByNetwork(networkID string) ([]*types.Port, error)
	ListSecurityGroups() ([]*types.SecurityGroup, error)

	// Mapping rows
	GetNetworkMapping(networkID string) (*types.NetworkMapping, error)
	ListNetworkMappings() ([]*types.NetworkMapping, error)
	GetAddressScopeMapping(scopeID string) (*types.AddressScopeMapping, error)
	ListAddressScopeMappings() ([]*types.AddressScopeMapping, error)
	ListRouterIDAllocations() ([]*types.RouterIDAllocation, error)
}

// Tx is a read-write unit of work against the topology store.
// Reads performed through a Tx are locking reads: the store admits a single
// writer, so adjacency and CIDR reads cannot change until the Tx ends.
type Tx interface {
	Reader

	PutNetwork(network *types.VirtualNetwork) error
	DeleteNetwork(id string) error
	PutSubnet(subnet *types.Subnet) error
	DeleteSubnet(id string) error

	PutRouter(router *types.VirtualRouter) error
	DeleteRouter(id string) error
	PutRouterInterface(intf *types.RouterInterface) error
	DeleteRouterInterface(routerID, subnetID string) error

	PutAddressScope(scope *types.AddressScope) error
	DeleteAddressScope(id string) error

	PutPort(port *types.Port) error
	DeletePort(id string) error
	PutSecurityGroup(sg *types.SecurityGroup) error
	DeleteSecurityGroup(id string) error

	// PutNetworkMapping and PutAddressScopeMapping compare the row's Revision
	// with the stored one and fail with types.ErrConflict on mismatch. On
	// success the Revision is advanced in place.
	PutNetworkMapping(m *types.NetworkMapping) error
	DeleteNetworkMapping(networkID string) error
	PutAddressScopeMapping(m *types.AddressScopeMapping) error
	DeleteAddressScopeMapping(scopeID string) error

	PutRouterIDAllocation(a *types.RouterIDAllocation) error
	DeleteRouterIDAllocation(owner string) error
}

// Store defines the interface for topology state storage
type Store interface {
	// Update runs fn in a read-write unit of work. The work commits when fn
	// returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(r Reader) error) error

	// Dump and Restore move the whole store in and out of a Snapshot
	Dump(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) error

	Close() error
}

// Snapshot is a point-in-time copy of the topology store
type Snapshot struct {
	Networks            []*types.VirtualNetwork
	Subnets             []*types.Subnet
	Routers             []*types.VirtualRouter
	RouterInterfaces    []*types.RouterInterface
	AddressScopes       []*types.AddressScope
	Ports               []*types.Port
	SecurityGroups      []*types.SecurityGroup
	NetworkMappings     []*types.NetworkMapping
	AddressScopeMapping []*types.AddressScopeMapping
	RouterIDs           []*types.RouterIDAllocation
}
