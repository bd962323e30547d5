package vrf

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
)

// Routing describes how a set of router-interface subnets is routed
type Routing struct {
	Scoped bool
	VRF    types.Ref // resolved routing domain of the scoped case

	// V4Scope and V6Scope are the scopes in use, if any. When both are set
	// they alias the same routing domain and the v4 scope is authoritative.
	V4Scope *types.AddressScope
	V6Scope *types.AddressScope
}

// Scope returns the authoritative scope
func (r Routing) Scope() *types.AddressScope {
	if r.V4Scope != nil {
		return r.V4Scope
	}
	return r.V6Scope
}

// Assigner decides which routing domain a topology or address scope uses
type Assigner struct {
	namer    *naming.Namer
	registry *Registry
}

// NewAssigner creates an Assigner
func NewAssigner(namer *naming.Namer, registry *Registry) *Assigner {
	return &Assigner{namer: namer, registry: registry}
}

// ScopeVRF returns the routing domain an address scope resolves to without
// creating anything: the mapped one if the scope is mapped, its isomorphic
// partner's otherwise, or the scope's own derived routing domain.
func (a *Assigner) ScopeVRF(tx storage.Reader, scope *types.AddressScope) (types.Ref, error) {
	if m, err := tx.GetAddressScopeMapping(scope.ID); err == nil {
		return m.RoutingDomain, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Ref{}, err
	}
	if scope.IsomorphicWith != "" {
		partner, err := tx.GetAddressScope(scope.IsomorphicWith)
		if err != nil {
			return types.Ref{}, fmt.Errorf("failed to get isomorphic scope %s: %w", scope.IsomorphicWith, err)
		}
		if m, err := tx.GetAddressScopeMapping(partner.ID); err == nil {
			return m.RoutingDomain, nil
		}
		if partner.IsomorphicWith != scope.ID || scope.IPVersion != 4 {
			return a.namer.ScopeVRF(partner), nil
		}
	}
	return a.namer.ScopeVRF(scope), nil
}

// EnsureScopeVRF maps the scope to its routing domain, creating the routing
// domain (vrf_owned) when the scope does not reference one yet.
func (a *Assigner) EnsureScopeVRF(ctx context.Context, tx storage.Tx, scope *types.AddressScope) (types.Ref, error) {
	if m, err := tx.GetAddressScopeMapping(scope.ID); err == nil {
		if err := a.registry.Ensure(ctx, m.RoutingDomain, scope.Name); err != nil {
			return types.Ref{}, err
		}
		return m.RoutingDomain, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Ref{}, err
	}

	if scope.IsomorphicWith != "" {
		partner, err := tx.GetAddressScope(scope.IsomorphicWith)
		if err != nil {
			return types.Ref{}, fmt.Errorf("failed to get isomorphic scope %s: %w", scope.IsomorphicWith, err)
		}
		if partner.IsomorphicWith == scope.ID {
			// Mutual aliasing: the v4 scope owns the routing domain
			if scope.IPVersion == 4 {
				partner = nil
			}
		}
		if partner != nil {
			vrf, err := a.EnsureScopeVRF(ctx, tx, partner)
			if err != nil {
				return types.Ref{}, err
			}
			m := &types.AddressScopeMapping{ScopeID: scope.ID, RoutingDomain: vrf, VRFOwned: false}
			if err := tx.PutAddressScopeMapping(m); err != nil {
				return types.Ref{}, err
			}
			return vrf, nil
		}
	}

	vrf := a.namer.ScopeVRF(scope)
	if err := a.registry.Ensure(ctx, vrf, scope.Name); err != nil {
		return types.Ref{}, err
	}
	m := &types.AddressScopeMapping{ScopeID: scope.ID, RoutingDomain: vrf, VRFOwned: true}
	if err := tx.PutAddressScopeMapping(m); err != nil {
		return types.Ref{}, err
	}
	return vrf, nil
}

// ResolveRouting classifies the subnets of a router (or of a network) and
// rejects combinations that have no single routing domain:
//   - scoped and unscoped subnets mixed on one router or network
//   - two scopes of the same IP version with different routing domains
//   - v4 and v6 scopes that are not isomorphic
func (a *Assigner) ResolveRouting(tx storage.Reader, subnets []*types.Subnet) (Routing, error) {
	var routing Routing
	var scoped, unscoped []*types.Subnet
	for _, s := range subnets {
		if s.Scoped() {
			scoped = append(scoped, s)
		} else {
			unscoped = append(unscoped, s)
		}
	}
	if len(scoped) == 0 {
		return routing, nil
	}
	if len(unscoped) > 0 {
		return routing, fmt.Errorf("%w: subnet %s is in address scope %s while subnet %s is unscoped",
			types.ErrScopeConflict, scoped[0].ID, scoped[0].AddressScopeID, unscoped[0].ID)
	}

	sort.Slice(scoped, func(i, j int) bool { return scoped[i].ID < scoped[j].ID })
	routing.Scoped = true
	vrfs := make(map[int]types.Ref)
	for _, s := range scoped {
		scope, err := tx.GetAddressScope(s.AddressScopeID)
		if err != nil {
			return routing, fmt.Errorf("failed to get address scope %s: %w", s.AddressScopeID, err)
		}
		vrf, err := a.ScopeVRF(tx, scope)
		if err != nil {
			return routing, err
		}
		version := scope.IPVersion
		if version == 0 {
			version = s.IPVersion
		}
		if prev, ok := vrfs[version]; ok && prev != vrf {
			return routing, fmt.Errorf("%w: IPv%d scopes resolve to routing domains %s and %s",
				types.ErrScopeConflict, version, prev, vrf)
		}
		vrfs[version] = vrf
		if version == 6 {
			if routing.V6Scope == nil {
				routing.V6Scope = scope
			}
		} else if routing.V4Scope == nil {
			routing.V4Scope = scope
		}
	}

	v4, has4 := vrfs[4]
	v6, has6 := vrfs[6]
	switch {
	case has4 && has6 && v4 != v6:
		return routing, fmt.Errorf("%w: scopes %s and %s are not isomorphic",
			types.ErrScopeConflict, routing.V4Scope.ID, routing.V6Scope.ID)
	case has4:
		routing.VRF = v4
	default:
		routing.VRF = v6
	}
	return routing, nil
}

// DefaultFor returns the routing domain an unscoped topology would be given
// from scratch: the shared network's project default if it has one, the
// earliest network's project default otherwise.
func (a *Assigner) DefaultFor(topo *topology.Topology) types.Ref {
	if shared := topo.Shared(); shared != nil {
		return a.namer.DefaultVRF(shared.TenantID)
	}
	if first := topo.First(); first != nil {
		return a.namer.DefaultVRF(first.TenantID)
	}
	return a.namer.UnroutedVRF()
}

// Side is one of the two unscoped topologies an interface attach joins
type Side struct {
	Topology *topology.Topology
	Current  types.Ref // routing domain currently used by the side's networks
}

// Move is one topology re-homing decided by a plan
type Move struct {
	Topology *topology.Topology
	From     types.Ref
	To       types.Ref
}

// MergePlan is the outcome of joining two unscoped topologies
type MergePlan struct {
	VRF   types.Ref
	Moves []Move
}

// PlanMerge decides the routing domain of the topology formed when a router
// (whose unscoped topology is router) gains an interface to a network (whose
// topology is intf), and which side has to move.
//
// An unrouted side competes with the default routing domain it would get on
// its own. When the two routing domains differ: two shared sides conflict; a
// single shared side wins; otherwise the side with more interfaces wins and
// a tie keeps the router's routing domain.
func (a *Assigner) PlanMerge(router, intf Side) (MergePlan, error) {
	intfVRF := intf.Current
	if a.namer.IsUnrouted(intfVRF) {
		intfVRF = a.DefaultFor(intf.Topology)
	}

	var target types.Ref
	switch {
	case router.Topology.Empty() || a.namer.IsUnrouted(router.Current):
		target = intfVRF
	case intfVRF == router.Current:
		target = intfVRF
	default:
		intfShared := intf.Topology.Shared()
		routerShared := router.Topology.Shared()
		switch {
		case intfShared != nil && routerShared != nil:
			return MergePlan{}, fmt.Errorf("%w: shared networks %s and %s are routed in %s and %s",
				types.ErrTopologyConflict, intfShared.ID, routerShared.ID, intfVRF, router.Current)
		case intfShared != nil:
			target = intfVRF
		case routerShared != nil:
			target = router.Current
		case intf.Topology.Interfaces > router.Topology.Interfaces:
			target = intfVRF
		default:
			target = router.Current
		}
	}

	plan := MergePlan{VRF: target}
	if !router.Topology.Empty() && router.Current != target {
		plan.Moves = append(plan.Moves, Move{Topology: router.Topology, From: router.Current, To: target})
	}
	if intf.Current != target {
		plan.Moves = append(plan.Moves, Move{Topology: intf.Topology, From: intf.Current, To: target})
	}
	return plan, nil
}

// SplitTarget returns the routing domain a component keeps (or moves to)
// after a detach separated it from the rest of its former topology.
func (a *Assigner) SplitTarget(component *topology.Topology, current types.Ref) types.Ref {
	if shared := component.Shared(); shared != nil {
		return a.namer.DefaultVRF(shared.TenantID)
	}
	if project := a.namer.ProjectOf(current.Tenant); project != "" &&
		a.namer.IsDefaultVRF(current) && component.HasProject(project) {
		return current
	}
	return a.DefaultFor(component)
}

// ExpectedVRF recomputes the routing domain of an unscoped topology from the
// mapping rows of its members; the reconciler uses it so that a topology
// whose routing domain was chosen by an earlier merge keeps validating.
func (a *Assigner) ExpectedVRF(component *topology.Topology, mapped map[string]types.Ref) types.Ref {
	if shared := component.Shared(); shared != nil {
		return a.namer.DefaultVRF(shared.TenantID)
	}
	var agreed types.Ref
	for i, id := range component.NetworkIDs() {
		ref := mapped[id]
		if i == 0 {
			agreed = ref
		} else if ref != agreed {
			agreed = types.Ref{}
			break
		}
	}
	if !agreed.IsZero() && a.namer.IsDefaultVRF(agreed) && component.HasProject(a.namer.ProjectOf(agreed.Tenant)) {
		return agreed
	}
	return a.DefaultFor(component)
}
