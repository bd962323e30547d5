// Package bindings caches where a port's traffic is bound in the fabric.
//
// A binding is read from the topology store on first use and kept in an
// adaptive replacement cache. Moves change the bridging domain of every port
// on a moved network, so the engine's port.update notifications evict the
// affected entries.
package bindings

import (
	"context"
	"fmt"

	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/hashicorp/golang-lru/arc/v2"
)

// DefaultSize is the number of bindings kept by default
const DefaultSize = 4096

// Binding is the fabric placement of a port
type Binding struct {
	PortID          string
	NetworkID       string
	RoutingDomain   types.Ref
	BridgingDomain  types.Ref
	EndpointGroup   types.Ref
	ExternalGateway types.Ref
}

// Cache is an ARC cache of port bindings backed by the topology store
type Cache struct {
	store storage.Store
	cache *arc.ARCCache[string, Binding]
}

// NewCache creates a binding cache holding up to size entries
func NewCache(store storage.Store, size int) (*Cache, error) {
	cache, err := arc.NewARC[string, Binding](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create binding cache: %w", err)
	}
	return &Cache{store: store, cache: cache}, nil
}

// Get returns the binding of a port, loading it on a miss
func (c *Cache) Get(ctx context.Context, portID string) (Binding, error) {
	if b, ok := c.cache.Get(portID); ok {
		return b, nil
	}

	var b Binding
	err := c.store.View(ctx, func(r storage.Reader) error {
		port, err := r.GetPort(portID)
		if err != nil {
			return err
		}
		m, err := r.GetNetworkMapping(port.NetworkID)
		if err != nil {
			return fmt.Errorf("network %s of port %s has no mapping: %w", port.NetworkID, portID, err)
		}
		b = Binding{
			PortID:          port.ID,
			NetworkID:       port.NetworkID,
			RoutingDomain:   m.RoutingDomain,
			BridgingDomain:  m.BridgingDomain,
			EndpointGroup:   m.EndpointGroup,
			ExternalGateway: m.ExternalGateway,
		}
		return nil
	})
	if err != nil {
		return Binding{}, err
	}
	c.cache.Add(portID, b)
	return b, nil
}

// Invalidate evicts the given ports
func (c *Cache) Invalidate(portIDs ...string) {
	for _, id := range portIDs {
		c.cache.Remove(id)
	}
}

// Purge evicts every binding
func (c *Cache) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached bindings
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Watch evicts bindings named by port.update events until sub is closed or
// ctx is done.
func (c *Cache) Watch(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventPortUpdate {
				c.Invalidate(ev.Subjects...)
			}
		case <-ctx.Done():
			return
		}
	}
}
