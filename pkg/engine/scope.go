package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
)

// OnAddressScopeChange records an address scope. A mapped scope whose
// aliasing changed is re-resolved on its next attach; while any router
// interface still routes through it the change is rejected.
func (e *Engine) OnAddressScopeChange(ctx context.Context, scope *types.AddressScope) error {
	return e.unitOfWork(ctx, "address_scope_change", func(tx storage.Tx, c *change) error {
		if scope.IsomorphicWith != "" {
			partner, err := tx.GetAddressScope(scope.IsomorphicWith)
			if err != nil {
				return err
			}
			if partner.IPVersion == scope.IPVersion {
				return fmt.Errorf("%w: scopes %s and %s are both IPv%d and cannot alias",
					types.ErrScopeConflict, scope.ID, partner.ID, scope.IPVersion)
			}
		}
		if err := tx.PutAddressScope(scope); err != nil {
			return err
		}

		m, err := tx.GetAddressScopeMapping(scope.ID)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		stale, err := e.aliasChanged(tx, scope, m)
		if err != nil {
			return err
		}
		if !stale {
			if m.VRFOwned {
				if err := e.renameVRF(ctx, m.RoutingDomain, scope.Name); err != nil {
					return err
				}
			}
			c.vrf(m.RoutingDomain)
			return nil
		}

		inUse, err := scopeInUse(tx, scope.ID)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("%w: address scope %s routes interfaces in %s",
				types.ErrScopeConflict, scope.ID, m.RoutingDomain)
		}
		if err := tx.DeleteAddressScopeMapping(scope.ID); err != nil {
			return err
		}
		if deleted, err := e.registry.ReleaseIfUnused(ctx, tx, m.RoutingDomain); err != nil {
			return err
		} else if deleted {
			c.vrf(m.RoutingDomain)
		}
		return nil
	})
}

// OnAddressScopeDelete removes an unused address scope and its routing domain
func (e *Engine) OnAddressScopeDelete(ctx context.Context, scopeID string) error {
	return e.unitOfWork(ctx, "address_scope_delete", func(tx storage.Tx, c *change) error {
		if _, err := tx.GetAddressScope(scopeID); err != nil {
			return err
		}
		subnets, err := tx.ListSubnets()
		if err != nil {
			return err
		}
		for _, s := range subnets {
			if s.AddressScopeID == scopeID {
				return fmt.Errorf("%w: address scope %s has subnet %s", types.ErrInUse, scopeID, s.ID)
			}
		}
		scopes, err := tx.ListAddressScopes()
		if err != nil {
			return err
		}
		for _, other := range scopes {
			if other.IsomorphicWith == scopeID && other.ID != scopeID {
				return fmt.Errorf("%w: address scope %s is aliased by %s", types.ErrInUse, scopeID, other.ID)
			}
		}

		m, err := tx.GetAddressScopeMapping(scopeID)
		switch {
		case errors.Is(err, types.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := tx.DeleteAddressScopeMapping(scopeID); err != nil {
				return err
			}
			if deleted, err := e.registry.ReleaseIfUnused(ctx, tx, m.RoutingDomain); err != nil {
				return err
			} else if deleted {
				c.vrf(m.RoutingDomain)
			}
		}
		return tx.DeleteAddressScope(scopeID)
	})
}

// aliasChanged reports whether the scope's mapping no longer matches what
// the scope would resolve to from scratch.
func (e *Engine) aliasChanged(r storage.Reader, scope *types.AddressScope, m *types.AddressScopeMapping) (bool, error) {
	if scope.IsomorphicWith == "" {
		return !m.VRFOwned, nil
	}
	partner, err := r.GetAddressScope(scope.IsomorphicWith)
	if err != nil {
		return false, err
	}
	if partner.IsomorphicWith == scope.ID && scope.IPVersion == 4 {
		return !m.VRFOwned, nil
	}
	pm, err := r.GetAddressScopeMapping(partner.ID)
	if errors.Is(err, types.ErrNotFound) {
		return m.VRFOwned, nil
	}
	if err != nil {
		return false, err
	}
	return pm.RoutingDomain != m.RoutingDomain, nil
}

func (e *Engine) renameVRF(ctx context.Context, ref types.Ref, name string) error {
	obj, err := e.fabric.Get(ctx, ref)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.DisplayName == name {
		return nil
	}
	next := obj.Clone()
	next.DisplayName = name
	return e.fabric.Update(ctx, next)
}

// scopeInUse reports whether a router interface sits on a subnet of the scope
func scopeInUse(r storage.Reader, scopeID string) (bool, error) {
	intfs, err := r.ListRouterInterfaces()
	if err != nil {
		return false, err
	}
	for _, intf := range intfs {
		s, err := r.GetSubnet(intf.SubnetID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if s.AddressScopeID == scopeID {
			return true, nil
		}
	}
	return false, nil
}
