/*
Package types defines the data model shared by every topofabric package.

There are three groups of types:

  - Virtual records, owned by the integration that forwards topology events:
    VirtualNetwork, Subnet, VirtualRouter, RouterInterface, AddressScope,
    Port and SecurityGroup. They carry snake_case JSON tags because they
    travel in Raft log entries and API requests.
  - Mapping rows, owned by the engine: NetworkMapping binds a network to its
    fabric identities, AddressScopeMapping binds a scope to its routing
    domain, RouterIDAllocation records a router id taken from the pool.
    Mapping rows carry a Revision used for optimistic concurrency.
  - Fabric objects: Object, addressed by a Ref{Kind, Tenant, Name, Parent}.

# Fabric Objects

	routing_domain      layer 3 context (VRF)
	bridging_domain     layer 2 domain of one network
	endpoint_group      policy group of one network
	external_gateway    routed exit to outside networks
	contract            policy between endpoint groups, one per router
	security_group      fabric form of a virtual security group
	address_range       child of a bridging domain or gateway (a subnet)
	node_profile        child of an external gateway, holds the router id
	interface_profile   child of an external gateway

AllKinds lists the kinds parents first, which is the order the reconciler
creates them in. Objects marked Monitored were provisioned outside
topofabric; they are read, cloned and referenced but never deleted.

# Errors

The sentinel errors in errors.go classify every rejection an entry point can
return:

	ErrNotFound          a referenced record does not exist
	ErrTopologyConflict  an attach would merge incompatible topologies
	ErrAddressOverlap    subnets collide in one routing domain (*OverlapError)
	ErrScopeConflict     an address scope cannot map where requested
	ErrPoolExhausted     no router id left
	ErrConflict          a mapping row changed under the unit of work
	ErrRetriesExhausted  the unit of work kept hitting ErrConflict
	ErrInUse             the record is still referenced

Match them with errors.Is; OverlapError names the two colliding subnets and
is reached with errors.As.
*/
package types
