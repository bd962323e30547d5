package vrf

import (
	"fmt"
	"net/netip"

	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"go4.org/netipx"
)

// Pool hands out router ids from a prefix. Allocations are rows in the
// topology store, so they commit and roll back with the unit of work.
type Pool struct {
	prefix netip.Prefix
}

// NewPool creates a pool over cidr
func NewPool(cidr string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid router id pool %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid router id pool %q: router ids are IPv4", cidr)
	}
	return &Pool{prefix: prefix.Masked()}, nil
}

// Allocate returns the router id of owner, allocating the lowest free one
func (p *Pool) Allocate(tx storage.Tx, owner string) (string, error) {
	allocs, err := tx.ListRouterIDAllocations()
	if err != nil {
		return "", fmt.Errorf("failed to list router ids: %w", err)
	}
	used := make(map[netip.Addr]struct{}, len(allocs))
	for _, a := range allocs {
		if a.Owner == owner {
			return a.RouterID, nil
		}
		if addr, err := netip.ParseAddr(a.RouterID); err == nil {
			used[addr] = struct{}{}
		}
	}

	first := p.prefix.Addr()
	last := netipx.PrefixLastIP(p.prefix)
	for addr := first.Next(); addr.IsValid() && addr.Less(last); addr = addr.Next() {
		if _, taken := used[addr]; taken {
			continue
		}
		alloc := &types.RouterIDAllocation{Owner: owner, RouterID: addr.String()}
		if err := tx.PutRouterIDAllocation(alloc); err != nil {
			return "", fmt.Errorf("failed to store router id: %w", err)
		}
		return alloc.RouterID, nil
	}
	return "", fmt.Errorf("%w: %s has no free address for %s", types.ErrPoolExhausted, p.prefix, owner)
}

// Free returns how many router ids are left to allocate
func (p *Pool) Free(r storage.Reader) (int, error) {
	allocs, err := r.ListRouterIDAllocations()
	if err != nil {
		return 0, fmt.Errorf("failed to list router ids: %w", err)
	}
	first := p.prefix.Addr()
	last := netipx.PrefixLastIP(p.prefix)
	free := 1<<(32-p.prefix.Bits()) - 2
	for _, a := range allocs {
		addr, err := netip.ParseAddr(a.RouterID)
		if err == nil && p.prefix.Contains(addr) && addr != first && addr != last {
			free--
		}
	}
	return max(free, 0), nil
}

// Release returns owner's router id to the pool
func (p *Pool) Release(tx storage.Tx, owner string) error {
	return tx.DeleteRouterIDAllocation(owner)
}

// Lookup returns owner's router id without allocating
func Lookup(r storage.Reader, owner string) (string, bool, error) {
	allocs, err := r.ListRouterIDAllocations()
	if err != nil {
		return "", false, err
	}
	for _, a := range allocs {
		if a.Owner == owner {
			return a.RouterID, true, nil
		}
	}
	return "", false, nil
}
