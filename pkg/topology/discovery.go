// Package topology discovers connected components of the virtual topology.
//
// A topology is the maximal set of networks and routers reachable from each
// other through unscoped router interfaces. Interfaces whose subnet belongs to
// a genuine address scope never join a topology: those networks are routed in
// the scope's routing domain.
package topology

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
)

// Topology is a derived, never persisted, connected component
type Topology struct {
	Networks map[string]*types.VirtualNetwork
	Routers  map[string]struct{}

	// Interfaces counts the unscoped router interfaces inside the component
	Interfaces int
}

func newTopology() *Topology {
	return &Topology{
		Networks: make(map[string]*types.VirtualNetwork),
		Routers:  make(map[string]struct{}),
	}
}

// Empty reports whether the topology has no networks
func (t *Topology) Empty() bool {
	return t == nil || len(t.Networks) == 0
}

// HasNetwork reports whether the network is a member
func (t *Topology) HasNetwork(id string) bool {
	_, ok := t.Networks[id]
	return ok
}

// HasRouter reports whether the router is a member
func (t *Topology) HasRouter(id string) bool {
	_, ok := t.Routers[id]
	return ok
}

// NetworkIDs returns the member network ids in sorted order
func (t *Topology) NetworkIDs() []string {
	ids := make([]string, 0, len(t.Networks))
	for id := range t.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RouterIDs returns the member router ids in sorted order
func (t *Topology) RouterIDs() []string {
	ids := make([]string, 0, len(t.Routers))
	for id := range t.Routers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shared returns the shared member network with the smallest id, or nil
func (t *Topology) Shared() *types.VirtualNetwork {
	for _, id := range t.NetworkIDs() {
		if n := t.Networks[id]; n.Shared {
			return n
		}
	}
	return nil
}

// First returns the earliest created member network, ties broken by id
func (t *Topology) First() *types.VirtualNetwork {
	var first *types.VirtualNetwork
	for _, id := range t.NetworkIDs() {
		n := t.Networks[id]
		if first == nil || n.CreatedAt.Before(first.CreatedAt) {
			first = n
		}
	}
	return first
}

// HasProject reports whether any member network belongs to project
func (t *Topology) HasProject(projectID string) bool {
	for _, n := range t.Networks {
		if n.TenantID == projectID {
			return true
		}
	}
	return false
}

// Overlaps reports whether the two topologies share a network or router
func (t *Topology) Overlaps(other *Topology) bool {
	for id := range t.Networks {
		if other.HasNetwork(id) {
			return true
		}
	}
	for id := range t.Routers {
		if other.HasRouter(id) {
			return true
		}
	}
	return false
}

// Discover expands the seed routers and networks into their topology.
//
// The traversal alternates between the two id sets with an explicit worklist:
// routers expand to the networks they reach through unscoped interfaces,
// networks expand to the routers holding unscoped interfaces on them. Every
// router and network is queried at most once.
func Discover(r storage.Reader, routerIDs, networkIDs []string) (*Topology, error) {
	d := &discovery{
		r:       r,
		topo:    newTopology(),
		subnets: make(map[string]*types.Subnet),
		seen:    make(map[string]struct{}),
	}

	routerQueue := append([]string(nil), routerIDs...)
	networkQueue := append([]string(nil), networkIDs...)
	for _, id := range routerIDs {
		d.topo.Routers[id] = struct{}{}
	}
	for _, id := range networkIDs {
		if err := d.addNetwork(id); err != nil {
			return nil, err
		}
	}

	for len(routerQueue) > 0 || len(networkQueue) > 0 {
		var nextRouters, nextNetworks []string

		for _, routerID := range routerQueue {
			intfs, err := r.ListInterfacesByRouter(routerID)
			if err != nil {
				return nil, fmt.Errorf("failed to list interfaces of router %s: %w", routerID, err)
			}
			for _, intf := range intfs {
				ok, err := d.unscoped(intf)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				d.countInterface(intf)
				if d.topo.HasNetwork(intf.NetworkID) {
					continue
				}
				if err := d.addNetwork(intf.NetworkID); err != nil {
					return nil, err
				}
				nextNetworks = append(nextNetworks, intf.NetworkID)
			}
		}

		for _, networkID := range networkQueue {
			intfs, err := r.ListInterfacesByNetwork(networkID)
			if err != nil {
				return nil, fmt.Errorf("failed to list interfaces of network %s: %w", networkID, err)
			}
			for _, intf := range intfs {
				ok, err := d.unscoped(intf)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				d.countInterface(intf)
				if d.topo.HasRouter(intf.RouterID) {
					continue
				}
				d.topo.Routers[intf.RouterID] = struct{}{}
				nextRouters = append(nextRouters, intf.RouterID)
			}
		}

		routerQueue, networkQueue = nextRouters, nextNetworks
	}

	return d.topo, nil
}

// Components returns every topology that contains at least one unscoped
// router interface, ordered by their smallest router id.
func Components(r storage.Reader) ([]*Topology, error) {
	routers, err := r.ListRouters()
	if err != nil {
		return nil, fmt.Errorf("failed to list routers: %w", err)
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].ID < routers[j].ID })

	visited := make(map[string]struct{})
	var out []*Topology
	for _, router := range routers {
		if _, ok := visited[router.ID]; ok {
			continue
		}
		topo, err := Discover(r, []string{router.ID}, nil)
		if err != nil {
			return nil, err
		}
		for id := range topo.Routers {
			visited[id] = struct{}{}
		}
		if !topo.Empty() {
			out = append(out, topo)
		}
	}
	return out, nil
}

type discovery struct {
	r       storage.Reader
	topo    *Topology
	subnets map[string]*types.Subnet
	seen    map[string]struct{} // counted interfaces
}

func (d *discovery) addNetwork(id string) error {
	network, err := d.r.GetNetwork(id)
	if err != nil {
		return fmt.Errorf("failed to get network %s: %w", id, err)
	}
	d.topo.Networks[id] = network
	return nil
}

func (d *discovery) unscoped(intf *types.RouterInterface) (bool, error) {
	subnet, ok := d.subnets[intf.SubnetID]
	if !ok {
		var err error
		subnet, err = d.r.GetSubnet(intf.SubnetID)
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to get subnet %s: %w", intf.SubnetID, err)
		}
		d.subnets[intf.SubnetID] = subnet
	}
	return !subnet.Scoped(), nil
}

func (d *discovery) countInterface(intf *types.RouterInterface) {
	key := intf.RouterID + "/" + intf.SubnetID
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.topo.Interfaces++
}
