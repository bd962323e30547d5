package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/move"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
)

// currentVRF returns the routing domain the topology's networks are mapped
// to. Members of one topology always share it.
func (e *Engine) currentVRF(r storage.Reader, topo *topology.Topology) (types.Ref, error) {
	for _, id := range topo.NetworkIDs() {
		m, err := r.GetNetworkMapping(id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.Ref{}, err
		}
		return m.RoutingDomain, nil
	}
	return e.namer.UnroutedVRF(), nil
}

// interfaceSubnets returns the distinct subnets behind the interfaces
func interfaceSubnets(r storage.Reader, intfs []*types.RouterInterface) ([]*types.Subnet, error) {
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

// routedSubnets returns the interface subnets of every network in topo
func routedSubnets(r storage.Reader, topo *topology.Topology) ([]*types.Subnet, error) {
	var out []*types.Subnet
	for _, id := range topo.NetworkIDs() {
		intfs, err := r.ListInterfacesByNetwork(id)
		if err != nil {
			return nil, err
		}
		subnets, err := interfaceSubnets(r, intfs)
		if err != nil {
			return nil, err
		}
		out = append(out, subnets...)
	}
	return out, nil
}

// refreshPolicy sets the contracts on a network's policy object to those of
// the routers it is attached to.
func (e *Engine) refreshPolicy(ctx context.Context, tx storage.Reader, networkID string) error {
	network, err := tx.GetNetwork(networkID)
	if err != nil {
		return err
	}
	m, err := tx.GetNetworkMapping(networkID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ref := move.FlavorOf(e.namer, network).PolicyObject(m)
	if ref.IsZero() {
		return nil
	}
	obj, err := e.fabric.Get(ctx, ref)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	contracts, err := e.networkContracts(tx, networkID)
	if err != nil {
		return err
	}
	next := obj.Clone()
	next.Provided, next.Consumed = contracts, contracts
	if next.Equal(obj) {
		return nil
	}
	return e.fabric.Update(ctx, next)
}

// networkContracts returns the contract names of the routers on a network
func (e *Engine) networkContracts(r storage.Reader, networkID string) ([]string, error) {
	intfs, err := r.ListInterfacesByNetwork(networkID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(intfs))
	for _, intf := range intfs {
		names = append(names, e.namer.ContractName(intf.RouterID))
	}
	return types.SortedSet(names), nil
}

// ensureRanges creates the gateway address ranges of the subnets under the
// network's range parent.
func (e *Engine) ensureRanges(ctx context.Context, r storage.Reader, network *types.VirtualNetwork, subnets []*types.Subnet) error {
	m, err := r.GetNetworkMapping(network.ID)
	if err != nil {
		return err
	}
	parent := move.FlavorOf(e.namer, network).RangeParent(m)
	if parent.IsZero() {
		return nil
	}
	for _, s := range subnets {
		ref, err := e.namer.AddressRange(parent, s.GatewayIP, s.CIDR)
		if err != nil {
			return fmt.Errorf("subnet %s: %w", s.ID, err)
		}
		obj := &types.Object{Ref: ref, CIDR: ref.Name}
		if err := e.fabric.Create(ctx, obj, true); err != nil {
			return fmt.Errorf("failed to create address range %s: %w", ref, err)
		}
	}
	return nil
}

// removeRanges deletes the address ranges of subnets no interface uses any more
func (e *Engine) removeRanges(ctx context.Context, r storage.Reader, network *types.VirtualNetwork, subnets []*types.Subnet) error {
	m, err := r.GetNetworkMapping(network.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	parent := move.FlavorOf(e.namer, network).RangeParent(m)
	if parent.IsZero() {
		return nil
	}
	remaining, err := r.ListInterfacesByNetwork(network.ID)
	if err != nil {
		return err
	}
	used := make(map[string]struct{}, len(remaining))
	for _, intf := range remaining {
		used[intf.SubnetID] = struct{}{}
	}
	for _, s := range subnets {
		if _, ok := used[s.ID]; ok {
			continue
		}
		ref, err := e.namer.AddressRange(parent, s.GatewayIP, s.CIDR)
		if err != nil {
			return fmt.Errorf("subnet %s: %w", s.ID, err)
		}
		if err := e.fabric.Delete(ctx, ref, true); err != nil {
			return fmt.Errorf("failed to delete address range %s: %w", ref, err)
		}
	}
	return nil
}

// ensureRouterContract creates the identity contract of a router
func (e *Engine) ensureRouterContract(ctx context.Context, router *types.VirtualRouter) error {
	obj := &types.Object{Ref: e.namer.RouterContract(router), DisplayName: router.Name}
	if err := e.fabric.Create(ctx, obj, true); err != nil {
		return fmt.Errorf("failed to create contract of router %s: %w", router.ID, err)
	}
	return nil
}

// aggregate re-runs external aggregation for the union of the targets
func (e *Engine) aggregate(ctx context.Context, tx storage.Tx, c *change, sets ...[]external.Target) error {
	seen := make(map[external.Target]struct{})
	var all []external.Target
	for _, set := range sets {
		for _, t := range set {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ExternalNetworkID != all[j].ExternalNetworkID {
			return all[i].ExternalNetworkID < all[j].ExternalNetworkID
		}
		return all[i].VRF.Key() < all[j].VRF.Key()
	})

	// Clones losing their last router release their router ids before any
	// clone allocates one
	var emptied, live []external.Target
	for _, t := range all {
		routers, _, err := e.aggregator.Compute(tx, t)
		switch {
		case errors.Is(err, types.ErrNotFound):
			emptied = append(emptied, t)
		case err != nil:
			return err
		case len(routers) == 0:
			emptied = append(emptied, t)
		default:
			live = append(live, t)
		}
	}
	for _, t := range append(emptied, live...) {
		if _, err := e.aggregator.Aggregate(ctx, tx, t); err != nil {
			return err
		}
		c.vrf(t.VRF)
	}
	return nil
}

// defaultGateway fills in a missing gateway ip with the first host address
func defaultGateway(s *types.Subnet) error {
	if s.GatewayIP != "" {
		return nil
	}
	gw, err := naming.FirstHost(s.CIDR)
	if err != nil {
		return fmt.Errorf("subnet %s: %w", s.ID, err)
	}
	s.GatewayIP = gw
	return nil
}
