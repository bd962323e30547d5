package reconciler

import (
	"sort"
	"time"

	"github.com/cuemby/topofabric/pkg/types"
)

// DiscrepancyKind classifies a difference between expected and actual state
type DiscrepancyKind string

const (
	// Fabric objects
	KindMissing    DiscrepancyKind = "missing"     // expected object absent from the fabric
	KindMismatch   DiscrepancyKind = "mismatch"    // object present with different attributes
	KindOrphan     DiscrepancyKind = "orphan"      // unmonitored object nothing expects
	KindSyncFailed DiscrepancyKind = "sync_failed" // fabric reports the object failed to program

	// Mapping rows
	KindMappingMissing  DiscrepancyKind = "mapping_missing"
	KindMappingMismatch DiscrepancyKind = "mapping_mismatch"
	KindMappingOrphan   DiscrepancyKind = "mapping_orphan"

	// The virtual topology itself has no consistent fabric form
	KindInvalidTopology DiscrepancyKind = "invalid_topology"
)

// AllDiscrepancyKinds lists every kind, in report order
var AllDiscrepancyKinds = []DiscrepancyKind{
	KindInvalidTopology,
	KindMappingMissing,
	KindMappingMismatch,
	KindMappingOrphan,
	KindMissing,
	KindMismatch,
	KindSyncFailed,
	KindOrphan,
}

// Discrepancy is one difference found by a reconciliation pass
type Discrepancy struct {
	Kind      DiscrepancyKind
	Ref       types.Ref // fabric object, zero for mapping and topology findings
	NetworkID string    // mapping row or network concerned, if any
	Expected  *types.Object
	Actual    *types.Object
	Detail    string
	Repaired  bool

	mapping *types.NetworkMapping // expected row of mapping findings
}

// Subject returns a printable identity of what the discrepancy is about
func (d Discrepancy) Subject() string {
	if !d.Ref.IsZero() {
		return d.Ref.String()
	}
	return "network:" + d.NetworkID
}

// ValidationReport is the outcome of one reconciliation pass
type ValidationReport struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	Repair        bool
	Discrepancies []Discrepancy
}

// Clean reports whether the pass found nothing
func (r *ValidationReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// Counts returns the number of discrepancies per kind
func (r *ValidationReport) Counts() map[DiscrepancyKind]int {
	counts := make(map[DiscrepancyKind]int, len(AllDiscrepancyKinds))
	for _, d := range r.Discrepancies {
		counts[d.Kind]++
	}
	return counts
}

// Unrepaired returns the discrepancies a repair pass could not fix
func (r *ValidationReport) Unrepaired() []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if !d.Repaired {
			out = append(out, d)
		}
	}
	return out
}

func sortDiscrepancies(ds []Discrepancy) {
	rank := make(map[DiscrepancyKind]int, len(AllDiscrepancyKinds))
	for i, k := range AllDiscrepancyKinds {
		rank[k] = i
	}
	kindRank := make(map[types.Kind]int, len(types.AllKinds))
	for i, k := range types.AllKinds {
		kindRank[k] = i
	}
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Kind != b.Kind {
			return rank[a.Kind] < rank[b.Kind]
		}
		if a.Ref.Kind != b.Ref.Kind {
			return kindRank[a.Ref.Kind] < kindRank[b.Ref.Kind]
		}
		if a.Ref.Key() != b.Ref.Key() {
			return a.Ref.Key() < b.Ref.Key()
		}
		return a.NetworkID < b.NetworkID
	})
}
