// Package overlap rejects address ranges that would route ambiguously inside
// one routing domain.
package overlap

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/rs/zerolog"
	"go4.org/netipx"
)

// Entry is one routed subnet
type Entry struct {
	SubnetID string
	CIDR     string
}

// Validator checks routing domains for overlapping subnets
type Validator struct {
	// AllowOverlap is the administrative override; when set no check runs
	AllowOverlap bool
	logger       zerolog.Logger
}

// NewValidator creates a validator
func NewValidator(allowOverlap bool) *Validator {
	return &Validator{
		AllowOverlap: allowOverlap,
		logger:       log.WithComponent("overlap"),
	}
}

// Validate checks the subnets already routed in vrf together with the
// proposed ones. override skips the check for this call only.
func (v *Validator) Validate(r storage.Reader, vrf types.Ref, proposed []*types.Subnet, override bool) error {
	if v.AllowOverlap || override {
		return nil
	}
	entries, err := RoutedSubnets(r, vrf)
	if err != nil {
		return err
	}
	for _, s := range proposed {
		entries = append(entries, Entry{SubnetID: s.ID, CIDR: s.CIDR})
	}
	if err := Check(vrf, entries); err != nil {
		metrics.OverlapRejections.Inc()
		v.logger.Warn().Err(err).Str("vrf", vrf.String()).Msg("Rejected overlapping subnets")
		return err
	}
	return nil
}

// RoutedSubnets returns the subnets attached to a router interface on every
// network mapped to vrf.
func RoutedSubnets(r storage.Reader, vrf types.Ref) ([]Entry, error) {
	mappings, err := r.ListNetworkMappings()
	if err != nil {
		return nil, fmt.Errorf("failed to list network mappings: %w", err)
	}
	seen := make(map[string]struct{})
	var entries []Entry
	for _, m := range mappings {
		if m.RoutingDomain != vrf {
			continue
		}
		intfs, err := r.ListInterfacesByNetwork(m.NetworkID)
		if err != nil {
			return nil, fmt.Errorf("failed to list interfaces of network %s: %w", m.NetworkID, err)
		}
		for _, intf := range intfs {
			if _, ok := seen[intf.SubnetID]; ok {
				continue
			}
			seen[intf.SubnetID] = struct{}{}
			subnet, err := r.GetSubnet(intf.SubnetID)
			if err != nil {
				return nil, fmt.Errorf("failed to get subnet %s: %w", intf.SubnetID, err)
			}
			entries = append(entries, Entry{SubnetID: subnet.ID, CIDR: subnet.CIDR})
		}
	}
	return entries, nil
}

// Check sorts the entries by first address (wider first on ties) and sweeps them once. A prefix overlaps
// an earlier one exactly when its first address is not past the highest last
// address seen so far, which also catches a wide prefix covering several
// narrower neighbours. Repeated entries for the same subnet are ignored.
func Check(vrf types.Ref, entries []Entry) error {
	type parsed struct {
		Entry
		prefix netip.Prefix
	}

	list := make([]parsed, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.SubnetID]; ok {
			continue
		}
		seen[e.SubnetID] = struct{}{}
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return fmt.Errorf("subnet %s has invalid cidr %q: %w", e.SubnetID, e.CIDR, err)
		}
		list = append(list, parsed{Entry: e, prefix: prefix.Masked()})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].prefix, list[j].prefix
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		if a.Bits() != b.Bits() {
			return a.Bits() < b.Bits()
		}
		return list[i].SubnetID < list[j].SubnetID
	})

	var widest *parsed
	var last netip.Addr
	for i := range list {
		cur := &list[i]
		if widest != nil && cur.prefix.Addr().BitLen() == last.BitLen() && cur.prefix.Addr().Compare(last) <= 0 {
			return &types.OverlapError{
				RoutingDomain: vrf,
				SubnetA:       widest.SubnetID,
				CIDRA:         widest.CIDR,
				SubnetB:       cur.SubnetID,
				CIDRB:         cur.CIDR,
			}
		}
		if end := netipx.PrefixLastIP(cur.prefix); widest == nil || end.BitLen() != last.BitLen() || end.Compare(last) > 0 {
			widest, last = cur, end
		}
	}
	return nil
}
