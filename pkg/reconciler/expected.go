package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/move"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/cuemby/topofabric/pkg/vrf"
)

// expectedState is the fabric and the mapping rows the topology store implies
type expectedState struct {
	fabric   *fabric.MemoryClient
	mappings map[string]*types.NetworkMapping
	invalid  []Discrepancy
}

// builder derives the expected state with the same rules the engine applies
// incrementally.
type builder struct {
	ctx        context.Context
	r          storage.Reader
	namer      *naming.Namer
	assigner   *vrf.Assigner
	aggregator *external.Aggregator
	mover      *move.Operator
	out        *expectedState
}

func (b *builder) build() (*expectedState, error) {
	b.out = &expectedState{
		fabric:   fabric.NewMemoryClient(),
		mappings: make(map[string]*types.NetworkMapping),
	}

	unrouted := b.namer.UnroutedVRF()
	if err := b.put(&types.Object{Ref: unrouted, DisplayName: unrouted.Name}); err != nil {
		return nil, err
	}

	placement, err := b.placement()
	if err != nil {
		return nil, err
	}
	if err := b.routingDomains(placement); err != nil {
		return nil, err
	}
	if err := b.networks(placement); err != nil {
		return nil, err
	}
	if err := b.routers(); err != nil {
		return nil, err
	}
	if err := b.securityGroups(); err != nil {
		return nil, err
	}
	if err := b.gateways(); err != nil {
		return nil, err
	}
	return b.out, nil
}

func (b *builder) put(obj *types.Object) error {
	if err := b.out.fabric.Create(b.ctx, obj, true); err != nil {
		return fmt.Errorf("failed to record expected %s: %w", obj.Ref, err)
	}
	return nil
}

func (b *builder) invalid(networkID, format string, args ...any) {
	b.out.invalid = append(b.out.invalid, Discrepancy{
		Kind:      KindInvalidTopology,
		NetworkID: networkID,
		Detail:    fmt.Sprintf(format, args...),
	})
}

// placement returns the routing domain every network is expected in
func (b *builder) placement() (map[string]types.Ref, error) {
	networks, err := b.r.ListNetworks()
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	mappings, err := b.r.ListNetworkMappings()
	if err != nil {
		return nil, fmt.Errorf("failed to list network mappings: %w", err)
	}
	mapped := make(map[string]types.Ref, len(mappings))
	for _, m := range mappings {
		mapped[m.NetworkID] = m.RoutingDomain
	}

	unrouted := b.namer.UnroutedVRF()
	placement := make(map[string]types.Ref, len(networks))
	for _, n := range networks {
		placement[n.ID] = unrouted
	}

	components, err := topology.Components(b.r)
	if err != nil {
		return nil, err
	}
	for _, comp := range components {
		ref := b.assigner.ExpectedVRF(comp, mapped)
		for _, id := range comp.NetworkIDs() {
			placement[id] = ref
		}
	}

	// Scoped networks follow their address scope
	for _, n := range networks {
		intfs, err := b.r.ListInterfacesByNetwork(n.ID)
		if err != nil {
			return nil, err
		}
		if len(intfs) == 0 {
			continue
		}
		subnets, err := subnetsOf(b.r, intfs)
		if err != nil {
			return nil, err
		}
		routing, err := b.assigner.ResolveRouting(b.r, subnets)
		if err != nil {
			b.invalid(n.ID, "%v", err)
			if cur, ok := mapped[n.ID]; ok {
				placement[n.ID] = cur
			}
			continue
		}
		if routing.Scoped {
			placement[n.ID] = routing.VRF
		}
	}
	return placement, nil
}

// routingDomains records every routing domain a network or an address scope
// references.
func (b *builder) routingDomains(placement map[string]types.Ref) error {
	names := make(map[types.Ref]string)
	scopeMappings, err := b.r.ListAddressScopeMappings()
	if err != nil {
		return fmt.Errorf("failed to list address scope mappings: %w", err)
	}
	for _, m := range scopeMappings {
		if _, ok := names[m.RoutingDomain]; !ok {
			names[m.RoutingDomain] = m.RoutingDomain.Name
		}
		if !m.VRFOwned {
			continue
		}
		scope, err := b.r.GetAddressScope(m.ScopeID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		names[m.RoutingDomain] = scope.Name
	}
	for _, ref := range placement {
		if _, ok := names[ref]; !ok {
			names[ref] = ref.Name
		}
	}

	for ref, name := range names {
		if b.namer.IsUnrouted(ref) {
			continue
		}
		if err := b.put(&types.Object{Ref: ref, DisplayName: name}); err != nil {
			return err
		}
	}
	return nil
}

// networks records the objects, address ranges and mapping row of every network
func (b *builder) networks(placement map[string]types.Ref) error {
	networks, err := b.r.ListNetworks()
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		ref := placement[n.ID]
		flavor := move.FlavorOf(b.namer, n)
		m := &types.NetworkMapping{NetworkID: n.ID, RoutingDomain: ref}
		flavor.Relocate(m, b.mover.HomeTenant(n, ref))
		b.out.mappings[n.ID] = m

		intfs, err := b.r.ListInterfacesByNetwork(n.ID)
		if err != nil {
			return err
		}
		contracts := make([]string, 0, len(intfs))
		for _, intf := range intfs {
			contracts = append(contracts, b.namer.ContractName(intf.RouterID))
		}
		contracts = types.SortedSet(contracts)

		policy := flavor.PolicyObject(m)
		for _, obj := range flavor.Build(m, n) {
			if obj.Ref == policy {
				obj.Provided, obj.Consumed = contracts, contracts
			}
			if err := b.put(obj); err != nil {
				return err
			}
		}

		parent := flavor.RangeParent(m)
		if parent.IsZero() {
			continue
		}
		subnets, err := subnetsOf(b.r, intfs)
		if err != nil {
			return err
		}
		for _, s := range subnets {
			gw := s.GatewayIP
			if gw == "" {
				if gw, err = naming.FirstHost(s.CIDR); err != nil {
					b.invalid(n.ID, "subnet %s: %v", s.ID, err)
					continue
				}
			}
			rangeRef, err := b.namer.AddressRange(parent, gw, s.CIDR)
			if err != nil {
				b.invalid(n.ID, "subnet %s: %v", s.ID, err)
				continue
			}
			if err := b.put(&types.Object{Ref: rangeRef, CIDR: rangeRef.Name}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) routers() error {
	routers, err := b.r.ListRouters()
	if err != nil {
		return fmt.Errorf("failed to list routers: %w", err)
	}
	for _, router := range routers {
		if err := b.put(&types.Object{Ref: b.namer.RouterContract(router), DisplayName: router.Name}); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) securityGroups() error {
	sgs, err := b.r.ListSecurityGroups()
	if err != nil {
		return fmt.Errorf("failed to list security groups: %w", err)
	}
	for _, sg := range sgs {
		if err := b.put(&types.Object{Ref: b.namer.SecurityGroup(sg), DisplayName: sg.Name}); err != nil {
			return err
		}
	}
	return nil
}

// gateways records one external gateway clone per routing domain that has
// gatewayed routers, with its node profile.
func (b *builder) gateways() error {
	routers, err := b.r.ListRouters()
	if err != nil {
		return fmt.Errorf("failed to list routers: %w", err)
	}
	ids := make([]string, 0, len(routers))
	for _, router := range routers {
		ids = append(ids, router.ID)
	}
	targets, err := external.TargetsOf(b.r, ids)
	if err != nil {
		return err
	}

	for _, t := range targets {
		extNet, err := b.r.GetNetwork(t.ExternalNetworkID)
		if errors.Is(err, types.ErrNotFound) {
			b.invalid(t.ExternalNetworkID, "routers use missing gateway network %s", t.ExternalNetworkID)
			continue
		}
		if err != nil {
			return err
		}
		if extNet.ExternalGateway == "" {
			continue
		}
		members, contracts, err := b.aggregator.Compute(b.r, t)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			continue
		}

		ref := b.namer.ExternalGateway(extNet.ExternalGateway, t.VRF)
		_, templateName := naming.SplitGateway(extNet.ExternalGateway)
		obj := &types.Object{
			Ref:         ref,
			DisplayName: templateName,
			VRFTenant:   t.VRF.Tenant,
			VRFName:     t.VRF.Name,
			Provided:    contracts.Provided,
			Consumed:    contracts.Consumed,
		}
		if err := b.put(obj); err != nil {
			return err
		}

		profile := b.namer.NodeProfile(ref)
		routerID, ok, err := vrf.Lookup(b.r, profile.Key())
		if err != nil {
			return err
		}
		if !ok {
			b.invalid(t.ExternalNetworkID, "external gateway %s has no router id allocated", ref)
			continue
		}
		if err := b.put(&types.Object{Ref: profile, RouterID: routerID}); err != nil {
			return err
		}
	}
	return nil
}

// subnetsOf returns the distinct subnets behind the interfaces
func subnetsOf(r storage.Reader, intfs []*types.RouterInterface) ([]*types.Subnet, error) {
	seen := make(map[string]struct{}, len(intfs))
	var out []*types.Subnet
	for _, intf := range intfs {
		if _, ok := seen[intf.SubnetID]; ok {
			continue
		}
		seen[intf.SubnetID] = struct{}{}
		s, err := r.GetSubnet(intf.SubnetID)
		if err != nil {
			return nil, fmt.Errorf("failed to get subnet %s: %w", intf.SubnetID, err)
		}
		out = append(out, s)
	}
	return out, nil
}
