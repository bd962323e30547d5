package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/move"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/cuemby/topofabric/pkg/vrf"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures the periodic pass
type Options struct {
	Interval time.Duration
	Repair   bool
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{Interval: 10 * time.Minute}
}

// Reconciler compares the fabric and the mapping rows with what the topology
// store implies, and optionally repairs the differences.
type Reconciler struct {
	store      storage.Store
	fabric     fabric.Client
	namer      *naming.Namer
	assigner   *vrf.Assigner
	aggregator *external.Aggregator
	mover      *move.Operator
	broker     *events.Broker
	opts       Options

	mu       sync.RWMutex
	last     *ValidationReport
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler over the engine's store and fabric.
// broker may be nil.
func NewReconciler(eng *engine.Engine, broker *events.Broker, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	return &Reconciler{
		store:      eng.Store(),
		fabric:     eng.Fabric(),
		namer:      eng.Namer(),
		assigner:   eng.Assigner(),
		aggregator: eng.Aggregator(),
		mover:      move.NewOperator(eng.Namer(), eng.Fabric()),
		broker:     broker,
		opts:       opts,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Last returns the report of the most recent pass, nil before the first one
func (r *Reconciler) Last() *ValidationReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(context.Background(), r.opts.Repair); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile runs one pass. The comparison reads a consistent snapshot of the
// store and runs alongside live units of work. With repair set and findings
// present, the comparison is repeated under the store's write lock and the
// findings of that second comparison are fixed: missing and mismatched
// objects are rewritten, orphans deleted and mapping rows corrected; topology
// findings are only reported.
func (r *Reconciler) Reconcile(ctx context.Context, repair bool) (*ValidationReport, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCycles.Inc()
	}()

	report := &ValidationReport{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Repair:    repair,
	}

	var found []Discrepancy
	err := r.store.View(ctx, func(rd storage.Reader) error {
		var err error
		found, err = r.compare(ctx, rd)
		return err
	})
	if err != nil {
		return nil, err
	}

	if repair && len(found) > 0 {
		err = r.store.Update(ctx, func(tx storage.Tx) error {
			current, err := r.compare(ctx, tx)
			if err != nil {
				return err
			}
			r.repair(ctx, tx, current)
			found = current
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	report.Discrepancies = found
	report.FinishedAt = time.Now().UTC()

	r.record(report)
	return report, nil
}

// compare builds the expected state from rd and diffs it against the fabric
// and the mapping rows.
func (r *Reconciler) compare(ctx context.Context, rd storage.Reader) ([]Discrepancy, error) {
	b := &builder{
		ctx:        ctx,
		r:          rd,
		namer:      r.namer,
		assigner:   r.assigner,
		aggregator: r.aggregator,
		mover:      r.mover,
	}
	want, err := b.build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expected state: %w", err)
	}

	found, err := r.diffFabric(ctx, want)
	if err != nil {
		return nil, err
	}
	mappingFindings, err := diffMappings(rd, want)
	if err != nil {
		return nil, err
	}
	found = append(found, mappingFindings...)
	found = append(found, want.invalid...)
	sortDiscrepancies(found)
	return found, nil
}

// diffFabric reads every kind from the fabric concurrently and compares it
// with the expected objects.
func (r *Reconciler) diffFabric(ctx context.Context, want *expectedState) ([]Discrepancy, error) {
	actual := make([][]*types.Object, len(types.AllKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range types.AllKinds {
		g.Go(func() error {
			objs, err := r.fabric.Find(gctx, fabric.Filter{Kind: kind})
			if err != nil {
				return fmt.Errorf("failed to read %s objects: %w", kind, err)
			}
			actual[i] = objs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	expected, err := want.fabric.Find(ctx, fabric.Filter{})
	if err != nil {
		return nil, err
	}
	var all []*types.Object
	for _, objs := range actual {
		all = append(all, objs...)
	}
	return diffObjects(expected, all), nil
}

func diffObjects(expected, actual []*types.Object) []Discrepancy {
	byKey := make(map[string]*types.Object, len(actual))
	for _, obj := range actual {
		byKey[obj.Key()] = obj
	}

	var out []Discrepancy
	seen := make(map[string]struct{}, len(expected))
	for _, exp := range expected {
		key := exp.Key()
		seen[key] = struct{}{}
		got, ok := byKey[key]
		if !ok {
			out = append(out, Discrepancy{Kind: KindMissing, Ref: exp.Ref, Expected: exp})
			continue
		}
		want := exp.Clone()
		want.Monitored = got.Monitored
		switch {
		case !want.Equal(got):
			out = append(out, Discrepancy{Kind: KindMismatch, Ref: exp.Ref, Expected: want, Actual: got})
		case got.SyncStatus == types.SyncStatusFailed:
			out = append(out, Discrepancy{Kind: KindSyncFailed, Ref: exp.Ref, Expected: want, Actual: got})
		}
	}
	for _, got := range actual {
		if _, ok := seen[got.Key()]; ok || got.Monitored {
			continue
		}
		out = append(out, Discrepancy{Kind: KindOrphan, Ref: got.Ref, Actual: got})
	}
	return out
}

func diffMappings(r storage.Reader, want *expectedState) ([]Discrepancy, error) {
	rows, err := r.ListNetworkMappings()
	if err != nil {
		return nil, fmt.Errorf("failed to list network mappings: %w", err)
	}
	actual := make(map[string]*types.NetworkMapping, len(rows))
	for _, m := range rows {
		actual[m.NetworkID] = m
	}

	var out []Discrepancy
	for id, exp := range want.mappings {
		got, ok := actual[id]
		switch {
		case !ok:
			out = append(out, Discrepancy{
				Kind:      KindMappingMissing,
				NetworkID: id,
				Detail:    "expected routing domain " + exp.RoutingDomain.String(),
				mapping:   exp,
			})
		case !sameMapping(exp, got):
			out = append(out, Discrepancy{
				Kind:      KindMappingMismatch,
				NetworkID: id,
				Detail: fmt.Sprintf("mapped to %s in tenant %s, expected %s in tenant %s",
					got.RoutingDomain, got.Tenant(), exp.RoutingDomain, exp.Tenant()),
				mapping: exp,
			})
		}
	}
	for id := range actual {
		if _, ok := want.mappings[id]; !ok {
			out = append(out, Discrepancy{Kind: KindMappingOrphan, NetworkID: id, Detail: "network does not exist"})
		}
	}
	return out, nil
}

func sameMapping(a, b *types.NetworkMapping) bool {
	return a.NetworkID == b.NetworkID &&
		a.RoutingDomain == b.RoutingDomain &&
		a.BridgingDomain == b.BridgingDomain &&
		a.EndpointGroup == b.EndpointGroup &&
		a.ExternalGateway == b.ExternalGateway
}

// repair applies the findings in report order: mapping rows, then fabric
// objects parents first, then orphans.
func (r *Reconciler) repair(ctx context.Context, tx storage.Tx, found []Discrepancy) {
	for i := range found {
		d := &found[i]
		var err error
		switch d.Kind {
		case KindMappingMissing, KindMappingMismatch:
			err = putMapping(tx, d.mapping)
		case KindMappingOrphan:
			err = tx.DeleteNetworkMapping(d.NetworkID)
		case KindMissing, KindMismatch, KindSyncFailed:
			obj := d.Expected.Clone()
			obj.SyncStatus = ""
			err = r.fabric.Create(ctx, obj, true)
		case KindOrphan:
			err = r.fabric.Delete(ctx, d.Ref, true)
		default:
			continue
		}
		if err != nil {
			d.Detail = joinDetail(d.Detail, "repair failed: "+err.Error())
			r.logger.Warn().Err(err).Str("kind", string(d.Kind)).Str("subject", d.Subject()).Msg("Failed to repair discrepancy")
			continue
		}
		d.Repaired = true
	}
}

func putMapping(tx storage.Tx, want *types.NetworkMapping) error {
	m := *want
	m.Revision = 0
	if cur, err := tx.GetNetworkMapping(want.NetworkID); err == nil {
		m.Revision = cur.Revision
	}
	return tx.PutNetworkMapping(&m)
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func (r *Reconciler) record(report *ValidationReport) {
	counts := report.Counts()
	for _, kind := range AllDiscrepancyKinds {
		metrics.ReconcileDiscrepancies.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}

	repaired := 0
	for _, d := range report.Discrepancies {
		if d.Repaired {
			repaired++
		}
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	event := r.logger.Info()
	if !report.Clean() {
		event = r.logger.Warn()
	}
	event.Str("report", report.ID).
		Bool("repair", report.Repair).
		Int("discrepancies", len(report.Discrepancies)).
		Int("repaired", repaired).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Reconciliation pass completed")

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventReconcileCompleted,
			Message: fmt.Sprintf("%d discrepancies, %d repaired", len(report.Discrepancies), repaired),
			Metadata: map[string]string{
				"report":        report.ID,
				"repair":        strconv.FormatBool(report.Repair),
				"discrepancies": strconv.Itoa(len(report.Discrepancies)),
				"repaired":      strconv.Itoa(repaired),
			},
		})
	}
}
