package vrf

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/rs/zerolog"
)

// Registry owns routing domain lifetimes. A routing domain is referenced by
// NetworkMapping and AddressScopeMapping rows; Ensure creates it on first use
// and ReleaseIfUnused deletes it once the last reference is gone.
type Registry struct {
	namer  *naming.Namer
	fabric fabric.Client
	logger zerolog.Logger
}

// NewRegistry creates a routing domain registry
func NewRegistry(namer *naming.Namer, fc fabric.Client) *Registry {
	return &Registry{
		namer:  namer,
		fabric: fc,
		logger: log.WithComponent("vrf"),
	}
}

// Ensure creates the routing domain if it does not exist yet
func (r *Registry) Ensure(ctx context.Context, ref types.Ref, displayName string) error {
	obj := &types.Object{Ref: ref, DisplayName: displayName}
	if err := r.fabric.Create(ctx, obj, false); err != nil {
		return fmt.Errorf("failed to create routing domain %s: %w", ref, err)
	}
	return nil
}

// References counts the mapping rows pointing at ref
func (r *Registry) References(tx storage.Reader, ref types.Ref) (int, error) {
	count := 0
	nets, err := tx.ListNetworkMappings()
	if err != nil {
		return 0, fmt.Errorf("failed to list network mappings: %w", err)
	}
	for _, m := range nets {
		if m.RoutingDomain == ref {
			count++
		}
	}
	scopes, err := tx.ListAddressScopeMappings()
	if err != nil {
		return 0, fmt.Errorf("failed to list address scope mappings: %w", err)
	}
	for _, m := range scopes {
		if m.RoutingDomain == ref {
			count++
		}
	}
	return count, nil
}

// ReleaseIfUnused deletes a default or scope-derived routing domain that no
// mapping row references any more. The unrouted routing domain and monitored
// routing domains are never deleted. It reports whether a delete happened.
func (r *Registry) ReleaseIfUnused(ctx context.Context, tx storage.Reader, ref types.Ref) (bool, error) {
	if ref.IsZero() || r.namer.IsUnrouted(ref) {
		return false, nil
	}
	if !r.namer.IsDefaultVRF(ref) && !r.namer.IsScopeVRF(ref) {
		return false, nil
	}

	refs, err := r.References(tx, ref)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, nil
	}

	obj, err := r.fabric.Get(ctx, ref)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get routing domain %s: %w", ref, err)
	}
	if obj.Monitored {
		return false, nil
	}

	if err := r.fabric.Delete(ctx, ref, true); err != nil {
		return false, fmt.Errorf("failed to delete routing domain %s: %w", ref, err)
	}
	metrics.VRFsDeleted.Inc()
	r.logger.Info().Str("vrf", ref.String()).Msg("Deleted unused routing domain")
	return true, nil
}
