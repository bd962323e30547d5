// Package move re-homes the fabric objects of virtual networks between
// routing domains and tenants.
package move

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/rs/zerolog"
)

// Operator moves topologies between routing domains
type Operator struct {
	namer  *naming.Namer
	fabric fabric.Client
	logger zerolog.Logger
}

// NewOperator creates a move operator
func NewOperator(namer *naming.Namer, fc fabric.Client) *Operator {
	return &Operator{
		namer:  namer,
		fabric: fc,
		logger: log.WithComponent("move"),
	}
}

// HomeTenant returns the tenant a network's objects must live in when routed
// in vrf: the routing domain's tenant, or the network's own tenant when the
// routing domain is in the common tenant.
func (o *Operator) HomeTenant(n *types.VirtualNetwork, vrf types.Ref) string {
	if o.namer.IsCommon(vrf.Tenant) {
		return o.namer.Tenant(n.TenantID)
	}
	return vrf.Tenant
}

// Provision creates a network's objects in the routing domain vrf and
// records its mapping.
func (o *Operator) Provision(ctx context.Context, tx storage.Tx, n *types.VirtualNetwork, vrf types.Ref) (*types.NetworkMapping, error) {
	flavor := FlavorOf(o.namer, n)
	m := &types.NetworkMapping{NetworkID: n.ID, RoutingDomain: vrf}
	if cur, err := tx.GetNetworkMapping(n.ID); err == nil {
		m.Revision = cur.Revision
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	flavor.Relocate(m, o.HomeTenant(n, vrf))

	for _, obj := range flavor.Build(m, n) {
		if err := o.fabric.Create(ctx, obj, true); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", obj.Ref, err)
		}
	}
	if err := tx.PutNetworkMapping(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Deprovision deletes a network's objects and its mapping
func (o *Operator) Deprovision(ctx context.Context, tx storage.Tx, n *types.VirtualNetwork) error {
	m, err := tx.GetNetworkMapping(n.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	refs := Objects(FlavorOf(o.namer, n), m)
	for i := len(refs) - 1; i >= 0; i-- {
		if err := o.fabric.Delete(ctx, refs[i], true); err != nil {
			return fmt.Errorf("failed to delete %s: %w", refs[i], err)
		}
	}
	return tx.DeleteNetworkMapping(n.ID)
}

// Move re-homes every member network of topo from one routing domain to
// another and returns the ids of the networks whose objects changed.
func (o *Operator) Move(ctx context.Context, tx storage.Tx, topo *topology.Topology, from, to types.Ref) ([]string, error) {
	o.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("networks", len(topo.Networks)).
		Msg("Moving topology")

	var moved []string
	for _, id := range topo.NetworkIDs() {
		changed, err := o.MoveNetwork(ctx, tx, topo.Networks[id], to)
		if err != nil {
			return moved, fmt.Errorf("failed to move network %s: %w", id, err)
		}
		if changed {
			moved = append(moved, id)
		}
	}
	metrics.TopologyMoves.Inc()
	metrics.NetworksMoved.Add(float64(len(moved)))
	return moved, nil
}

// MoveNetwork routes one network in vrf. When the network's objects live in
// a different tenant than vrf requires, they are created afresh in the new
// tenant with their children copied over, and only then are the old ones
// deleted. Otherwise the routing domain reference is updated in place.
// Running it again with the same target is a no-op.
func (o *Operator) MoveNetwork(ctx context.Context, tx storage.Tx, n *types.VirtualNetwork, vrf types.Ref) (bool, error) {
	m, err := tx.GetNetworkMapping(n.ID)
	if errors.Is(err, types.ErrNotFound) {
		if _, err := o.Provision(ctx, tx, n, vrf); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	flavor := FlavorOf(o.namer, n)
	tenant := o.HomeTenant(n, vrf)
	oldRefs := Objects(flavor, m)
	if len(oldRefs) > 0 && m.Tenant() != tenant {
		next := *m
		next.RoutingDomain = vrf
		flavor.Relocate(&next, tenant)
		if err := o.reparent(ctx, n, flavor, m, &next); err != nil {
			return false, err
		}
		if err := tx.PutNetworkMapping(&next); err != nil {
			return false, err
		}
		o.logger.Debug().
			Str("network_id", n.ID).
			Str("tenant", tenant).
			Str("vrf", vrf.String()).
			Msg("Re-parented network objects")
		return true, nil
	}

	changed := false
	for _, ref := range oldRefs {
		obj, err := o.fabric.Get(ctx, ref)
		if errors.Is(err, types.ErrNotFound) {
			obj = buildOne(flavor, m, n, ref)
			if obj == nil {
				continue
			}
			if err := o.fabric.Create(ctx, obj, true); err != nil {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
		if !carriesVRF(obj.Kind) || (obj.VRFTenant == vrf.Tenant && obj.VRFName == vrf.Name) {
			continue
		}
		obj.VRFTenant, obj.VRFName = vrf.Tenant, vrf.Name
		if err := o.fabric.Update(ctx, obj); err != nil {
			return false, fmt.Errorf("failed to update %s: %w", ref, err)
		}
		changed = true
	}

	if m.RoutingDomain != vrf {
		m.RoutingDomain = vrf
		if err := tx.PutNetworkMapping(m); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// reparent copies the objects of cur into the identities of next, children
// included, then deletes the originals.
func (o *Operator) reparent(ctx context.Context, n *types.VirtualNetwork, flavor Flavor, cur, next *types.NetworkMapping) error {
	oldRefs := Objects(flavor, cur)
	newRefs := Objects(flavor, next)
	fresh := flavor.Build(next, n)

	for i, oldRef := range oldRefs {
		newRef := newRefs[i]
		obj, err := o.fabric.Get(ctx, oldRef)
		switch {
		case errors.Is(err, types.ErrNotFound):
			// A previous attempt may already have deleted it; rebuild.
			obj = fresh[indexOf(fresh, newRef)]
			if existing, err := o.fabric.Get(ctx, newRef); err == nil {
				obj.Provided, obj.Consumed = existing.Provided, existing.Consumed
			}
		case err != nil:
			return err
		default:
			obj = obj.Clone()
			obj.Ref = newRef
			if carriesVRF(obj.Kind) {
				obj.VRFTenant, obj.VRFName = next.RoutingDomain.Tenant, next.RoutingDomain.Name
			}
			if obj.Kind == types.KindEndpointGroup {
				obj.BridgingDomain = next.BridgingDomain.Name
			}
		}
		obj.SyncStatus = ""
		if err := o.fabric.Create(ctx, obj, true); err != nil {
			return fmt.Errorf("failed to create %s: %w", newRef, err)
		}

		children, err := fabric.Children(ctx, o.fabric, oldRef)
		if err != nil {
			return err
		}
		for _, child := range children {
			copied := child.Clone()
			copied.Tenant = newRef.Tenant
			copied.Parent = newRef.Name
			copied.SyncStatus = ""
			if err := o.fabric.Create(ctx, copied, true); err != nil {
				return fmt.Errorf("failed to copy %s: %w", child.Ref, err)
			}
		}
	}
	// Objects without an old counterpart (interface profiles) come from Build
	for _, obj := range fresh {
		if indexOfRef(newRefs, obj.Ref) >= 0 {
			continue
		}
		if err := o.fabric.Create(ctx, obj, false); err != nil {
			return err
		}
	}

	for i := len(oldRefs) - 1; i >= 0; i-- {
		if err := o.fabric.Delete(ctx, oldRefs[i], true); err != nil {
			return fmt.Errorf("failed to delete %s: %w", oldRefs[i], err)
		}
	}
	return nil
}

func carriesVRF(k types.Kind) bool {
	return k == types.KindBridgingDomain || k == types.KindExternalGateway
}

func buildOne(flavor Flavor, m *types.NetworkMapping, n *types.VirtualNetwork, ref types.Ref) *types.Object {
	for _, obj := range flavor.Build(m, n) {
		if obj.Ref == ref {
			return obj
		}
	}
	return nil
}

func indexOf(objs []*types.Object, ref types.Ref) int {
	for i, obj := range objs {
		if obj.Ref == ref {
			return i
		}
	}
	return -1
}

func indexOfRef(refs []types.Ref, ref types.Ref) int {
	for i, r := range refs {
		if r == ref {
			return i
		}
	}
	return -1
}
