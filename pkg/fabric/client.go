package fabric

import (
	"context"
	"sort"

	"github.com/cuemby/topofabric/pkg/types"
)

// Client is the fabric resource client. All calls are idempotent: creating
// an existing object with overwrite replaces it, deleting a missing object
// succeeds.
type Client interface {
	Get(ctx context.Context, ref types.Ref) (*types.Object, error)
	Create(ctx context.Context, obj *types.Object, overwrite bool) error
	Update(ctx context.Context, obj *types.Object) error
	Delete(ctx context.Context, ref types.Ref, cascade bool) error
	Find(ctx context.Context, filter Filter) ([]*types.Object, error)
}

// Filter selects fabric objects by attribute; empty fields match anything
type Filter struct {
	Kind           types.Kind
	Tenant         string
	Parent         string
	VRFTenant      string
	VRFName        string
	BridgingDomain string
}

// Match reports whether obj satisfies the filter
func (f Filter) Match(obj *types.Object) bool {
	return (f.Kind == "" || obj.Kind == f.Kind) &&
		(f.Tenant == "" || obj.Tenant == f.Tenant) &&
		(f.Parent == "" || obj.Parent == f.Parent) &&
		(f.VRFTenant == "" || obj.VRFTenant == f.VRFTenant) &&
		(f.VRFName == "" || obj.VRFName == f.VRFName) &&
		(f.BridgingDomain == "" || obj.BridgingDomain == f.BridgingDomain)
}

// ChildKinds returns the kinds that live under an object of kind k
func ChildKinds(k types.Kind) []types.Kind {
	switch k {
	case types.KindBridgingDomain:
		return []types.Kind{types.KindAddressRange}
	case types.KindExternalGateway:
		return []types.Kind{types.KindAddressRange, types.KindNodeProfile, types.KindInterfaceProfile}
	default:
		return nil
	}
}

// IsChildOf reports whether obj is a direct child of parent
func IsChildOf(obj *types.Object, parent types.Ref) bool {
	if obj.Tenant != parent.Tenant || obj.Parent != parent.Name {
		return false
	}
	for _, k := range ChildKinds(parent.Kind) {
		if obj.Kind == k {
			return true
		}
	}
	return false
}

// Children lists the direct children of parent
func Children(ctx context.Context, c Client, parent types.Ref) ([]*types.Object, error) {
	var out []*types.Object
	for _, k := range ChildKinds(parent.Kind) {
		objs, err := c.Find(ctx, Filter{Kind: k, Tenant: parent.Tenant, Parent: parent.Name})
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

func sortObjects(objs []*types.Object) {
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Key() < objs[j].Key()
	})
}
