package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
)

// OnNetworkCreate records a network with its subnets and provisions its
// fabric objects in the network's own tenant, bound to the unrouted routing
// domain.
func (e *Engine) OnNetworkCreate(ctx context.Context, network *types.VirtualNetwork, subnets []*types.Subnet) error {
	return e.unitOfWork(ctx, "network_create", func(tx storage.Tx, c *change) error {
		if network.CreatedAt.IsZero() {
			network.CreatedAt = time.Now().UTC()
		}
		if network.Flavor() == types.NetworkKindExternal && network.ExternalGateway == "" {
			return fmt.Errorf("external network %s names no external gateway", network.ID)
		}
		if err := tx.PutNetwork(network); err != nil {
			return err
		}
		for _, s := range subnets {
			s.NetworkID = network.ID
			if s.TenantID == "" {
				s.TenantID = network.TenantID
			}
			if err := defaultGateway(s); err != nil {
				return err
			}
			if err := tx.PutSubnet(s); err != nil {
				return err
			}
		}

		if _, err := tx.GetNetworkMapping(network.ID); err == nil {
			// Already provisioned: only the records change
			return c.network(tx, network.ID)
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		unrouted := e.namer.UnroutedVRF()
		if err := e.registry.Ensure(ctx, unrouted, unrouted.Name); err != nil {
			return err
		}
		if _, err := e.mover.Provision(ctx, tx, network, unrouted); err != nil {
			return err
		}

		logger := log.WithNetworkID(network.ID)
		logger.Info().
			Str("tenant", network.TenantID).
			Str("kind", string(network.Flavor())).
			Int("subnets", len(subnets)).
			Msg("Network created")
		return nil
	})
}

// OnNetworkDelete removes a network's fabric objects, its mapping and its
// records. A network with router interfaces or routers using it as their
// gateway is rejected with ErrInUse.
func (e *Engine) OnNetworkDelete(ctx context.Context, networkID string) error {
	return e.unitOfWork(ctx, "network_delete", func(tx storage.Tx, c *change) error {
		network, err := tx.GetNetwork(networkID)
		if err != nil {
			return err
		}
		intfs, err := tx.ListInterfacesByNetwork(networkID)
		if err != nil {
			return err
		}
		if len(intfs) > 0 {
			return fmt.Errorf("%w: network %s has %d router interfaces", types.ErrInUse, networkID, len(intfs))
		}
		routers, err := tx.ListRouters()
		if err != nil {
			return err
		}
		for _, r := range routers {
			if r.GatewayNetworkID == networkID {
				return fmt.Errorf("%w: network %s is the gateway of router %s", types.ErrInUse, networkID, r.ID)
			}
		}

		current, err := e.networkVRF(tx, networkID)
		if err != nil {
			return err
		}
		if err := c.network(tx, networkID); err != nil {
			return err
		}
		if err := e.mover.Deprovision(ctx, tx, network); err != nil {
			return err
		}
		subnets, err := tx.ListSubnetsByNetwork(networkID)
		if err != nil {
			return err
		}
		for _, s := range subnets {
			if err := tx.DeleteSubnet(s.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteNetwork(networkID); err != nil {
			return err
		}
		if deleted, err := e.registry.ReleaseIfUnused(ctx, tx, current); err != nil {
			return err
		} else if deleted {
			c.vrf(current)
		}

		logger := log.WithNetworkID(networkID)
		logger.Info().Msg("Network deleted")
		return nil
	})
}

// OnRouterCreate records a router and creates its identity contract
func (e *Engine) OnRouterCreate(ctx context.Context, router *types.VirtualRouter) error {
	return e.unitOfWork(ctx, "router_create", func(tx storage.Tx, c *change) error {
		if err := tx.PutRouter(router); err != nil {
			return err
		}
		if err := e.ensureRouterContract(ctx, router); err != nil {
			return err
		}
		// Extra contracts may have changed on an existing router
		targets, err := external.TargetsOf(tx, []string{router.ID})
		if err != nil {
			return err
		}
		return e.aggregate(ctx, tx, c, targets)
	})
}

// OnRouterDelete removes a router without interfaces, detaching it from its
// external gateway first.
func (e *Engine) OnRouterDelete(ctx context.Context, routerID string) error {
	return e.unitOfWork(ctx, "router_delete", func(tx storage.Tx, c *change) error {
		router, err := tx.GetRouter(routerID)
		if err != nil {
			return err
		}
		intfs, err := tx.ListInterfacesByRouter(routerID)
		if err != nil {
			return err
		}
		if len(intfs) > 0 {
			return fmt.Errorf("%w: router %s has %d interfaces", types.ErrInUse, routerID, len(intfs))
		}
		if err := tx.DeleteRouter(routerID); err != nil {
			return err
		}
		if err := e.fabric.Delete(ctx, e.namer.RouterContract(router), true); err != nil {
			return fmt.Errorf("failed to delete contract of router %s: %w", routerID, err)
		}
		logger := log.WithRouterID(routerID)
		logger.Info().Msg("Router deleted")
		return nil
	})
}

// OnRouterGatewaySet connects a router to an external network, or
// disconnects it when externalNetworkID is empty. The external gateway
// clones of the old and the new connection are re-aggregated.
func (e *Engine) OnRouterGatewaySet(ctx context.Context, routerID, externalNetworkID string) error {
	return e.unitOfWork(ctx, "router_gateway_set", func(tx storage.Tx, c *change) error {
		router, err := tx.GetRouter(routerID)
		if err != nil {
			return err
		}
		if externalNetworkID != "" {
			extNet, err := tx.GetNetwork(externalNetworkID)
			if err != nil {
				return err
			}
			if extNet.Flavor() != types.NetworkKindExternal {
				return fmt.Errorf("network %s is not external", externalNetworkID)
			}
		}
		if router.GatewayNetworkID == externalNetworkID {
			return nil
		}

		before, err := external.TargetsOf(tx, []string{routerID})
		if err != nil {
			return err
		}
		router.GatewayNetworkID = externalNetworkID
		if err := tx.PutRouter(router); err != nil {
			return err
		}
		after, err := external.TargetsOf(tx, []string{routerID})
		if err != nil {
			return err
		}
		if err := e.aggregate(ctx, tx, c, before, after); err != nil {
			return err
		}

		logger := log.WithRouterID(routerID)
		logger.Info().
			Str("external_network_id", externalNetworkID).
			Msg("Router gateway set")
		return nil
	})
}

// OnSecurityGroupCreate records a security group and creates its container
func (e *Engine) OnSecurityGroupCreate(ctx context.Context, sg *types.SecurityGroup) error {
	return e.unitOfWork(ctx, "security_group_create", func(tx storage.Tx, c *change) error {
		if err := tx.PutSecurityGroup(sg); err != nil {
			return err
		}
		obj := &types.Object{Ref: e.namer.SecurityGroup(sg), DisplayName: sg.Name}
		return e.fabric.Create(ctx, obj, true)
	})
}

// OnSecurityGroupDelete removes a security group and its container
func (e *Engine) OnSecurityGroupDelete(ctx context.Context, sgID string) error {
	return e.unitOfWork(ctx, "security_group_delete", func(tx storage.Tx, c *change) error {
		sgs, err := tx.ListSecurityGroups()
		if err != nil {
			return err
		}
		for _, sg := range sgs {
			if sg.ID != sgID {
				continue
			}
			if err := tx.DeleteSecurityGroup(sgID); err != nil {
				return err
			}
			return e.fabric.Delete(ctx, e.namer.SecurityGroup(sg), true)
		}
		return fmt.Errorf("%w: security group %s", types.ErrNotFound, sgID)
	})
}

// OnPortUpdate records a port; its cached binding is invalidated on commit
func (e *Engine) OnPortUpdate(ctx context.Context, port *types.Port) error {
	return e.unitOfWork(ctx, "port_update", func(tx storage.Tx, c *change) error {
		if _, err := tx.GetNetwork(port.NetworkID); err != nil {
			return err
		}
		if err := tx.PutPort(port); err != nil {
			return err
		}
		c.port(port.ID)
		return nil
	})
}

// OnPortDelete forgets a port
func (e *Engine) OnPortDelete(ctx context.Context, portID string) error {
	return e.unitOfWork(ctx, "port_delete", func(tx storage.Tx, c *change) error {
		if _, err := tx.GetPort(portID); errors.Is(err, types.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if err := tx.DeletePort(portID); err != nil {
			return err
		}
		c.port(portID)
		return nil
	})
}
