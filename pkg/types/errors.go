package types

import (
	"errors"
	"fmt"
)

// Error categories surfaced by the reconciliation engine.
// Callers match them with errors.Is; structured variants wrap the sentinels.

var (
	// ErrNotFound indicates the requested record or fabric object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTopologyConflict indicates a merge would require moving a shared
	// network's routing domain.
	ErrTopologyConflict = errors.New("topology conflict")

	// ErrAddressOverlap indicates two routed subnets collide within one routing domain.
	ErrAddressOverlap = errors.New("address overlap")

	// ErrScopeConflict indicates the address scopes on one router resolve to
	// different routing domains, or scoped and unscoped interfaces are mixed.
	ErrScopeConflict = errors.New("address scope conflict")

	// ErrPoolExhausted indicates no router id is left in the configured pool.
	ErrPoolExhausted = errors.New("router id pool exhausted")

	// ErrConflict indicates a transient concurrent modification; the unit of
	// work that hit it may be retried.
	ErrConflict = errors.New("concurrent modification")

	// ErrRetriesExhausted indicates a unit of work kept conflicting.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInUse indicates a virtual object still has dependents.
	ErrInUse = errors.New("in use")
)

// OverlapError names the two colliding subnets and their routing domain
type OverlapError struct {
	RoutingDomain Ref
	SubnetA       string
	CIDRA         string
	SubnetB       string
	CIDRB         string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("subnet %s (%s) overlaps subnet %s (%s) in routing domain %s/%s",
		e.SubnetA, e.CIDRA, e.SubnetB, e.CIDRB, e.RoutingDomain.Tenant, e.RoutingDomain.Name)
}

func (e *OverlapError) Unwrap() error {
	return ErrAddressOverlap
}

// IsCallerError reports whether err belongs to a category that is always
// surfaced to the caller and never retried.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrTopologyConflict) ||
		errors.Is(err, ErrAddressOverlap) ||
		errors.Is(err, ErrScopeConflict) ||
		errors.Is(err, ErrPoolExhausted)
}
