package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/cuemby/topofabric/pkg/vrf"
)

// OnRouterInterfaceAdd attaches a router to subnets of a network. Discovery,
// routing domain assignment, overlap validation, any topology move and the
// external gateway aggregation all happen in the one unit of work; every
// check runs before the first fabric write.
func (e *Engine) OnRouterInterfaceAdd(ctx context.Context, routerID, networkID string, subnetIDs []string) error {
	return e.unitOfWork(ctx, "router_interface_add", func(tx storage.Tx, c *change) error {
		router, err := tx.GetRouter(routerID)
		if err != nil {
			return err
		}
		network, err := tx.GetNetwork(networkID)
		if err != nil {
			return err
		}
		if network.Flavor() == types.NetworkKindExternal {
			return fmt.Errorf("network %s is external and takes no router interfaces", networkID)
		}
		if len(subnetIDs) == 0 {
			return fmt.Errorf("no subnets given for router %s on network %s", routerID, networkID)
		}

		var added []*types.Subnet
		for _, id := range subnetIDs {
			s, err := tx.GetSubnet(id)
			if err != nil {
				return err
			}
			if s.NetworkID != networkID {
				return fmt.Errorf("subnet %s is not on network %s", id, networkID)
			}
			if err := defaultGateway(s); err != nil {
				return err
			}
			added = append(added, s)
		}

		routerIntfs, err := tx.ListInterfacesByRouter(routerID)
		if err != nil {
			return err
		}
		routerSubnets, err := interfaceSubnets(tx, routerIntfs)
		if err != nil {
			return err
		}
		networkIntfs, err := tx.ListInterfacesByNetwork(networkID)
		if err != nil {
			return err
		}
		networkSubnets, err := interfaceSubnets(tx, networkIntfs)
		if err != nil {
			return err
		}

		routing, err := e.assigner.ResolveRouting(tx, append(routerSubnets, added...))
		if err != nil {
			return err
		}
		netRouting, err := e.assigner.ResolveRouting(tx, append(networkSubnets, added...))
		if err != nil {
			return err
		}
		if routing.Scoped && netRouting.VRF != routing.VRF {
			return fmt.Errorf("%w: network %s is routed in %s, router %s in %s",
				types.ErrScopeConflict, networkID, netRouting.VRF, routerID, routing.VRF)
		}

		affected, err := affectedRouters(tx, routerID, networkID, networkIntfs)
		if err != nil {
			return err
		}
		before, err := external.TargetsOf(tx, affected)
		if err != nil {
			return err
		}

		// Every affected router ends up routing in the merged domain
		admit := func(target types.Ref) error {
			after, err := projectedTargets(tx, affected, func(id string) (types.Ref, bool, error) {
				if id == routerID {
					return target, true, nil
				}
				_, ok, err := external.RouterVRF(tx, id)
				return target, ok, err
			})
			if err != nil {
				return err
			}
			return e.aggregator.Admit(tx, before, after, affected)
		}

		logger := log.WithRouterID(routerID)
		var target types.Ref
		var released []types.Ref
		if routing.Scoped {
			target, released, err = e.attachScoped(ctx, tx, c, network, routing, added, networkSubnets, admit)
		} else {
			target, released, err = e.attachUnscoped(ctx, tx, c, router, network, added, admit)
		}
		if err != nil {
			return err
		}

		for _, s := range added {
			intf := &types.RouterInterface{
				RouterID:  routerID,
				NetworkID: networkID,
				SubnetID:  s.ID,
				GatewayIP: s.GatewayIP,
			}
			if err := tx.PutRouterInterface(intf); err != nil {
				return err
			}
		}

		if err := e.ensureRouterContract(ctx, router); err != nil {
			return err
		}
		if err := e.ensureRanges(ctx, tx, network, added); err != nil {
			return err
		}
		if err := e.refreshPolicy(ctx, tx, networkID); err != nil {
			return err
		}
		if err := c.network(tx, networkID); err != nil {
			return err
		}
		c.vrf(target)

		for _, ref := range released {
			deleted, err := e.registry.ReleaseIfUnused(ctx, tx, ref)
			if err != nil {
				return err
			}
			if deleted {
				c.vrf(ref)
			}
		}

		after, err := external.TargetsOf(tx, affected)
		if err != nil {
			return err
		}
		if err := e.aggregate(ctx, tx, c, before, after); err != nil {
			return err
		}

		logger.Info().
			Str("network_id", networkID).
			Strs("subnets", subnetIDs).
			Str("vrf", target.String()).
			Msg("Router interface attached")
		return nil
	})
}

// attachScoped routes the network in the address scope's routing domain
func (e *Engine) attachScoped(ctx context.Context, tx storage.Tx, c *change, network *types.VirtualNetwork,
	routing vrf.Routing, added, networkSubnets []*types.Subnet, admit func(types.Ref) error) (types.Ref, []types.Ref, error) {

	current, err := e.networkVRF(tx, network.ID)
	if err != nil {
		return types.Ref{}, nil, err
	}
	proposed := added
	if current != routing.VRF {
		proposed = append(append([]*types.Subnet(nil), networkSubnets...), added...)
	}
	if err := e.validator.Validate(tx, routing.VRF, proposed, routing.Scope().AllowOverlap); err != nil {
		return types.Ref{}, nil, err
	}
	if err := admit(routing.VRF); err != nil {
		return types.Ref{}, nil, err
	}

	for _, scope := range []*types.AddressScope{routing.V4Scope, routing.V6Scope} {
		if scope == nil {
			continue
		}
		if _, err := e.assigner.EnsureScopeVRF(ctx, tx, scope); err != nil {
			return types.Ref{}, nil, err
		}
	}

	if current == routing.VRF {
		return routing.VRF, nil, nil
	}
	topo := &topology.Topology{Networks: map[string]*types.VirtualNetwork{network.ID: network}}
	moved, err := e.mover.Move(ctx, tx, topo, current, routing.VRF)
	if err != nil {
		return types.Ref{}, nil, err
	}
	for _, id := range moved {
		if err := c.network(tx, id); err != nil {
			return types.Ref{}, nil, err
		}
	}
	c.moved(current, routing.VRF, moved)
	c.vrf(current)
	return routing.VRF, []types.Ref{current}, nil
}

// attachUnscoped merges the router's topology with the network's and moves
// whichever side loses the routing domain decision.
func (e *Engine) attachUnscoped(ctx context.Context, tx storage.Tx, c *change, router *types.VirtualRouter,
	network *types.VirtualNetwork, added []*types.Subnet, admit func(types.Ref) error) (types.Ref, []types.Ref, error) {

	routerTopo, err := topology.Discover(tx, []string{router.ID}, nil)
	if err != nil {
		return types.Ref{}, nil, err
	}
	intfTopo, err := topology.Discover(tx, nil, []string{network.ID})
	if err != nil {
		return types.Ref{}, nil, err
	}
	routerVRF, err := e.currentVRF(tx, routerTopo)
	if err != nil {
		return types.Ref{}, nil, err
	}
	intfVRF, err := e.networkVRF(tx, network.ID)
	if err != nil {
		return types.Ref{}, nil, err
	}

	var plan vrf.MergePlan
	if intfTopo.HasRouter(router.ID) {
		plan = vrf.MergePlan{VRF: intfVRF}
	} else {
		plan, err = e.assigner.PlanMerge(
			vrf.Side{Topology: routerTopo, Current: routerVRF},
			vrf.Side{Topology: intfTopo, Current: intfVRF},
		)
		if err != nil {
			return types.Ref{}, nil, err
		}
	}

	proposed := append([]*types.Subnet(nil), added...)
	for _, mv := range plan.Moves {
		subnets, err := routedSubnets(tx, mv.Topology)
		if err != nil {
			return types.Ref{}, nil, err
		}
		proposed = append(proposed, subnets...)
	}
	if err := e.validator.Validate(tx, plan.VRF, proposed, false); err != nil {
		return types.Ref{}, nil, err
	}
	if err := admit(plan.VRF); err != nil {
		return types.Ref{}, nil, err
	}

	if err := e.registry.Ensure(ctx, plan.VRF, plan.VRF.Name); err != nil {
		return types.Ref{}, nil, err
	}
	var released []types.Ref
	for _, mv := range plan.Moves {
		ids, err := e.mover.Move(ctx, tx, mv.Topology, mv.From, mv.To)
		if err != nil {
			return types.Ref{}, nil, err
		}
		for _, id := range ids {
			if err := c.network(tx, id); err != nil {
				return types.Ref{}, nil, err
			}
		}
		c.moved(mv.From, mv.To, ids)
		c.vrf(mv.From)
		released = append(released, mv.From)
	}
	return plan.VRF, released, nil
}

// OnRouterInterfaceRemove detaches a router from subnets of a network (all of
// its subnets there when subnetIDs is empty). Components that fall apart are
// re-homed; a network left without interfaces returns to the unrouted
// routing domain in its own tenant.
func (e *Engine) OnRouterInterfaceRemove(ctx context.Context, routerID, networkID string, subnetIDs []string) error {
	return e.unitOfWork(ctx, "router_interface_remove", func(tx storage.Tx, c *change) error {
		network, err := tx.GetNetwork(networkID)
		if err != nil {
			return err
		}
		intfs, err := tx.ListInterfacesByRouter(routerID)
		if err != nil {
			return err
		}
		want := make(map[string]bool, len(subnetIDs))
		for _, id := range subnetIDs {
			want[id] = true
		}
		var removed []*types.RouterInterface
		for _, intf := range intfs {
			if intf.NetworkID == networkID && (len(want) == 0 || want[intf.SubnetID]) {
				removed = append(removed, intf)
				delete(want, intf.SubnetID)
			}
		}
		if len(want) > 0 {
			missing := make([]string, 0, len(want))
			for id := range want {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			return fmt.Errorf("%w: router %s has no interface on subnets %v", types.ErrNotFound, routerID, missing)
		}
		if len(removed) == 0 {
			return fmt.Errorf("%w: router %s has no interface on network %s", types.ErrNotFound, routerID, networkID)
		}
		removedSubnets, err := interfaceSubnets(tx, removed)
		if err != nil {
			return err
		}

		networkIntfs, err := tx.ListInterfacesByNetwork(networkID)
		if err != nil {
			return err
		}
		affected, err := affectedRouters(tx, routerID, networkID, networkIntfs)
		if err != nil {
			return err
		}
		before, err := external.TargetsOf(tx, affected)
		if err != nil {
			return err
		}
		current, err := e.networkVRF(tx, networkID)
		if err != nil {
			return err
		}

		for _, intf := range removed {
			if err := tx.DeleteRouterInterface(intf.RouterID, intf.SubnetID); err != nil {
				return err
			}
		}

		// Plan the re-homing of everything the detach touched
		type rehome struct {
			topo *topology.Topology
			from types.Ref
			to   types.Ref
		}
		var plans []rehome
		remaining, err := tx.ListInterfacesByNetwork(networkID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			single := &topology.Topology{Networks: map[string]*types.VirtualNetwork{networkID: network}}
			plans = append(plans, rehome{topo: single, from: current, to: e.namer.UnroutedVRF()})
		}
		if !e.namer.IsUnrouted(current) && !e.namer.IsScopeVRF(current) {
			var seeds []*topology.Topology
			routerTopo, err := topology.Discover(tx, []string{routerID}, nil)
			if err != nil {
				return err
			}
			seeds = append(seeds, routerTopo)
			if len(remaining) > 0 {
				netTopo, err := topology.Discover(tx, nil, []string{networkID})
				if err != nil {
					return err
				}
				if !netTopo.Overlaps(routerTopo) {
					seeds = append(seeds, netTopo)
				}
			}
			for _, comp := range seeds {
				if comp.Empty() || comp.Interfaces == 0 {
					continue
				}
				to := e.assigner.SplitTarget(comp, current)
				if to != current {
					plans = append(plans, rehome{topo: comp, from: current, to: to})
				}
			}
		}

		for _, p := range plans {
			if e.namer.IsUnrouted(p.to) {
				continue
			}
			subnets, err := routedSubnets(tx, p.topo)
			if err != nil {
				return err
			}
			if err := e.validator.Validate(tx, p.to, subnets, false); err != nil {
				return err
			}
		}
		projected, err := projectedTargets(tx, affected, func(id string) (types.Ref, bool, error) {
			ref, ok, err := external.RouterVRF(tx, id)
			if err != nil || !ok {
				return ref, ok, err
			}
			for _, p := range plans {
				if p.topo.HasRouter(id) {
					return p.to, true, nil
				}
			}
			return ref, true, nil
		})
		if err != nil {
			return err
		}
		if err := e.aggregator.Admit(tx, before, projected, affected); err != nil {
			return err
		}

		if err := e.removeRanges(ctx, tx, network, removedSubnets); err != nil {
			return err
		}
		for _, p := range plans {
			if err := e.registry.Ensure(ctx, p.to, p.to.Name); err != nil {
				return err
			}
			ids, err := e.mover.Move(ctx, tx, p.topo, p.from, p.to)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := c.network(tx, id); err != nil {
					return err
				}
			}
			c.moved(p.from, p.to, ids)
			c.vrf(p.from, p.to)
		}
		if err := e.refreshPolicy(ctx, tx, networkID); err != nil {
			return err
		}
		if err := c.network(tx, networkID); err != nil {
			return err
		}

		if _, err := e.registry.ReleaseIfUnused(ctx, tx, current); err != nil {
			return err
		}

		after, err := external.TargetsOf(tx, affected)
		if err != nil {
			return err
		}
		if err := e.aggregate(ctx, tx, c, before, after); err != nil {
			return err
		}

		logger := log.WithRouterID(routerID)
		logger.Info().
			Str("network_id", networkID).
			Int("interfaces", len(removed)).
			Int("moves", len(plans)).
			Msg("Router interface detached")
		return nil
	})
}

// networkVRF returns the routing domain a network is mapped to
func (e *Engine) networkVRF(r storage.Reader, networkID string) (types.Ref, error) {
	m, err := r.GetNetworkMapping(networkID)
	if errors.Is(err, types.ErrNotFound) {
		return e.namer.UnroutedVRF(), nil
	}
	if err != nil {
		return types.Ref{}, err
	}
	return m.RoutingDomain, nil
}

// projectedTargets returns the gateway clones routerIDs will feed once each
// routes in the domain vrfOf reports for it. Routers vrfOf rejects feed none.
func projectedTargets(r storage.Reader, routerIDs []string,
	vrfOf func(routerID string) (types.Ref, bool, error)) ([]external.Target, error) {

	seen := make(map[external.Target]struct{})
	var out []external.Target
	for _, id := range routerIDs {
		router, err := r.GetRouter(id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if router.GatewayNetworkID == "" {
			continue
		}
		ref, ok, err := vrfOf(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t := external.Target{ExternalNetworkID: router.GatewayNetworkID, VRF: ref}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// affectedRouters returns the routers whose external gateway membership an
// attach or detach between routerID and networkID can change.
func affectedRouters(r storage.Reader, routerID, networkID string, networkIntfs []*types.RouterInterface) ([]string, error) {
	topo, err := topology.Discover(r, []string{routerID}, []string{networkID})
	if err != nil {
		return nil, err
	}
	ids := topo.RouterIDs()
	for _, intf := range networkIntfs {
		ids = append(ids, intf.RouterID)
	}
	return types.SortedSet(append(ids, routerID)), nil
}
