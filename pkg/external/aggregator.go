// Package external maintains the external gateway objects through which
// routed topologies reach the outside world.
//
// Each pre-provisioned external gateway is cloned once per routing domain
// that has routers using it. The clone's provided and consumed contract sets
// are recomputed from scratch on every connect or disconnect and replace the
// previous sets, so they always equal the union over the routers currently
// attached.
package external

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/cuemby/topofabric/pkg/vrf"
	"github.com/rs/zerolog"
)

// Target identifies one external gateway clone: an external network's
// gateway in a routing domain.
type Target struct {
	ExternalNetworkID string
	VRF               types.Ref
}

// Contracts is the aggregated policy of an external gateway clone
type Contracts struct {
	Provided []string
	Consumed []string
}

// Aggregator computes and applies external gateway contract sets
type Aggregator struct {
	namer  *naming.Namer
	fabric fabric.Client
	pool   *vrf.Pool
	logger zerolog.Logger
}

// NewAggregator creates an aggregator allocating node profile router ids
// from pool.
func NewAggregator(namer *naming.Namer, fc fabric.Client, pool *vrf.Pool) *Aggregator {
	return &Aggregator{
		namer:  namer,
		fabric: fc,
		pool:   pool,
		logger: log.WithComponent("external"),
	}
}

// RouterVRF returns the routing domain a router routes in, taken from the
// mapping of any network it has an interface on. ok is false for routers
// without interfaces.
func RouterVRF(r storage.Reader, routerID string) (ref types.Ref, ok bool, err error) {
	intfs, err := r.ListInterfacesByRouter(routerID)
	if err != nil {
		return types.Ref{}, false, fmt.Errorf("failed to list interfaces of router %s: %w", routerID, err)
	}
	for _, intf := range intfs {
		m, err := r.GetNetworkMapping(intf.NetworkID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.Ref{}, false, err
		}
		return m.RoutingDomain, true, nil
	}
	return types.Ref{}, false, nil
}

// TargetsOf returns the gateway clones the given routers currently feed
func TargetsOf(r storage.Reader, routerIDs []string) ([]Target, error) {
	seen := make(map[Target]struct{})
	var out []Target
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
		ref, ok, err := RouterVRF(r, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t := Target{ExternalNetworkID: router.GatewayNetworkID, VRF: ref}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExternalNetworkID != out[j].ExternalNetworkID {
			return out[i].ExternalNetworkID < out[j].ExternalNetworkID
		}
		return out[i].VRF.Key() < out[j].VRF.Key()
	})
	return out, nil
}

// Compute returns the routers behind the gateway clone of target and their
// aggregated contracts. Routers of every project count, as long as their
// gateway network shares the fabric gateway and they route in target.VRF.
func (a *Aggregator) Compute(r storage.Reader, target Target) ([]string, Contracts, error) {
	extNet, err := r.GetNetwork(target.ExternalNetworkID)
	if err != nil {
		return nil, Contracts{}, fmt.Errorf("failed to get external network %s: %w", target.ExternalNetworkID, err)
	}

	networks, err := r.ListNetworks()
	if err != nil {
		return nil, Contracts{}, fmt.Errorf("failed to list networks: %w", err)
	}
	sharing := make(map[string]struct{})
	for _, n := range networks {
		if n.Flavor() == types.NetworkKindExternal && n.ExternalGateway == extNet.ExternalGateway {
			sharing[n.ID] = struct{}{}
		}
	}

	routers, err := r.ListRouters()
	if err != nil {
		return nil, Contracts{}, fmt.Errorf("failed to list routers: %w", err)
	}
	var ids, provided, consumed []string
	for _, router := range routers {
		if _, ok := sharing[router.GatewayNetworkID]; !ok {
			continue
		}
		ref, ok, err := RouterVRF(r, router.ID)
		if err != nil {
			return nil, Contracts{}, err
		}
		if !ok || ref != target.VRF {
			continue
		}
		ids = append(ids, router.ID)
		contract := a.namer.ContractName(router.ID)
		provided = append(provided, contract)
		provided = append(provided, router.ExtraProvided...)
		consumed = append(consumed, contract)
		consumed = append(consumed, router.ExtraConsumed...)
	}
	sort.Strings(ids)
	return ids, Contracts{Provided: types.SortedSet(provided), Consumed: types.SortedSet(consumed)}, nil
}

// Aggregate brings the gateway clone of target in line with its routers: it
// is created (or overwritten) with the computed contract sets and a node
// profile carrying an allocated router id, or deleted with its router id
// released when no router is left.
func (a *Aggregator) Aggregate(ctx context.Context, tx storage.Tx, target Target) (*types.Object, error) {
	extNet, err := tx.GetNetwork(target.ExternalNetworkID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if extNet.ExternalGateway == "" {
		return nil, nil
	}
	ref := a.namer.ExternalGateway(extNet.ExternalGateway, target.VRF)
	nodeProfile := a.namer.NodeProfile(ref)

	routers, contracts, err := a.Compute(tx, target)
	if err != nil {
		return nil, err
	}

	if len(routers) == 0 {
		if err := a.fabric.Delete(ctx, ref, true); err != nil {
			return nil, fmt.Errorf("failed to delete external gateway %s: %w", ref, err)
		}
		if err := a.pool.Release(tx, nodeProfile.Key()); err != nil {
			return nil, err
		}
		a.logger.Info().Str("gateway", ref.String()).Msg("Removed external gateway without routers")
		return nil, nil
	}

	routerID, err := a.pool.Allocate(tx, nodeProfile.Key())
	if err != nil {
		return nil, err
	}

	_, templateName := naming.SplitGateway(extNet.ExternalGateway)
	obj := &types.Object{
		Ref:         ref,
		DisplayName: templateName,
		VRFTenant:   target.VRF.Tenant,
		VRFName:     target.VRF.Name,
		Provided:    contracts.Provided,
		Consumed:    contracts.Consumed,
	}
	if err := a.fabric.Create(ctx, obj, true); err != nil {
		return nil, fmt.Errorf("failed to write external gateway %s: %w", ref, err)
	}
	profile := &types.Object{Ref: nodeProfile, RouterID: routerID}
	if err := a.fabric.Create(ctx, profile, true); err != nil {
		return nil, fmt.Errorf("failed to write node profile %s: %w", nodeProfile, err)
	}

	a.logger.Debug().
		Str("gateway", ref.String()).
		Strs("routers", routers).
		Int("provided", len(contracts.Provided)).
		Int("consumed", len(contracts.Consumed)).
		Msg("Aggregated external gateway contracts")
	return obj, nil
}

// Admit fails with types.ErrPoolExhausted when the pool cannot give a router
// id to every gateway clone in after that lacks one. Clones in before that are
// absent from after and whose routers are all in moving give their router
// ids back first. Admit only reads, so callers run it before their first
// fabric write.
func (a *Aggregator) Admit(r storage.Reader, before, after []Target, moving []string) error {
	keep := make(map[string]struct{}, len(after))
	needed := 0
	for _, t := range after {
		owner, ok, err := a.profileOwner(r, t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, dup := keep[owner]; dup {
			continue
		}
		keep[owner] = struct{}{}
		_, held, err := vrf.Lookup(r, owner)
		if err != nil {
			return err
		}
		if !held {
			needed++
		}
	}
	if needed == 0 {
		return nil
	}

	touched := make(map[string]struct{}, len(moving))
	for _, id := range moving {
		touched[id] = struct{}{}
	}
	returned := 0
	for _, t := range before {
		owner, ok, err := a.profileOwner(r, t)
		if err != nil {
			return err
		}
		if _, kept := keep[owner]; !ok || kept {
			continue
		}
		keep[owner] = struct{}{}
		if _, held, err := vrf.Lookup(r, owner); err != nil {
			return err
		} else if !held {
			continue
		}
		routers, _, err := a.Compute(r, t)
		if err != nil {
			return err
		}
		if allIn(routers, touched) {
			returned++
		}
	}

	free, err := a.pool.Free(r)
	if err != nil {
		return err
	}
	if needed > free+returned {
		return fmt.Errorf("%w: %d external gateway clones need a router id, %d available",
			types.ErrPoolExhausted, needed, free+returned)
	}
	return nil
}

// profileOwner returns the pool owner key of target's node profile. ok is
// false when the external network is gone or has no fabric gateway.
func (a *Aggregator) profileOwner(r storage.Reader, target Target) (string, bool, error) {
	extNet, err := r.GetNetwork(target.ExternalNetworkID)
	if errors.Is(err, types.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if extNet.ExternalGateway == "" {
		return "", false, nil
	}
	ref := a.namer.ExternalGateway(extNet.ExternalGateway, target.VRF)
	return a.namer.NodeProfile(ref).Key(), true, nil
}

func allIn(ids []string, set map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
