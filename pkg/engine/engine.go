package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/topofabric/pkg/bindings"
	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/external"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/move"
	"github.com/cuemby/topofabric/pkg/naming"
	"github.com/cuemby/topofabric/pkg/overlap"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/cuemby/topofabric/pkg/vrf"
	"github.com/rs/zerolog"
)

// Options configures an Engine
type Options struct {
	CommonTenant string
	TenantPrefix string
	RouterIDPool string

	// MaxRetries bounds how often a conflicting unit of work is re-run
	MaxRetries   int
	RetryBackoff time.Duration

	// AllowOverlap disables overlap validation
	AllowOverlap bool

	BindingCacheSize int
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		CommonTenant:     naming.DefaultCommonTenant,
		TenantPrefix:     naming.DefaultTenantPrefix,
		RouterIDPool:     "10.255.0.0/24",
		MaxRetries:       3,
		RetryBackoff:     50 * time.Millisecond,
		BindingCacheSize: bindings.DefaultSize,
	}
}

// Engine keeps the fabric consistent with the virtual topology. Every entry
// point runs as one unit of work against the topology store.
type Engine struct {
	store    storage.Store
	fabric   fabric.Client
	notifier events.Notifier
	opts     Options

	namer      *naming.Namer
	registry   *vrf.Registry
	assigner   *vrf.Assigner
	pool       *vrf.Pool
	mover      *move.Operator
	validator  *overlap.Validator
	aggregator *external.Aggregator
	bindings   *bindings.Cache

	logger zerolog.Logger
}

// New creates an engine over store and fabric client fc
func New(store storage.Store, fc fabric.Client, notifier events.Notifier, opts Options) (*Engine, error) {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BindingCacheSize <= 0 {
		opts.BindingCacheSize = bindings.DefaultSize
	}

	pool, err := vrf.NewPool(opts.RouterIDPool)
	if err != nil {
		return nil, err
	}
	cache, err := bindings.NewCache(store, opts.BindingCacheSize)
	if err != nil {
		return nil, err
	}

	namer := naming.NewNamer(opts.CommonTenant, opts.TenantPrefix)
	registry := vrf.NewRegistry(namer, fc)
	return &Engine{
		store:      store,
		fabric:     fc,
		notifier:   notifier,
		opts:       opts,
		namer:      namer,
		registry:   registry,
		assigner:   vrf.NewAssigner(namer, registry),
		pool:       pool,
		mover:      move.NewOperator(namer, fc),
		validator:  overlap.NewValidator(opts.AllowOverlap),
		aggregator: external.NewAggregator(namer, fc, pool),
		bindings:   cache,
		logger:     log.WithComponent("engine"),
	}, nil
}

// Namer returns the fabric naming rules in use
func (e *Engine) Namer() *naming.Namer { return e.namer }

// Assigner returns the routing domain assignment rules in use
func (e *Engine) Assigner() *vrf.Assigner { return e.assigner }

// Aggregator returns the external gateway aggregator in use
func (e *Engine) Aggregator() *external.Aggregator { return e.aggregator }

// Validator returns the overlap validator in use
func (e *Engine) Validator() *overlap.Validator { return e.validator }

// Store returns the topology store
func (e *Engine) Store() storage.Store { return e.store }

// Fabric returns the fabric client
func (e *Engine) Fabric() fabric.Client { return e.fabric }

// Bindings returns the port binding cache
func (e *Engine) Bindings() *bindings.Cache { return e.bindings }

// change collects what a unit of work touched; it is announced after commit
type change struct {
	ports map[string]struct{}
	vrfs  map[types.Ref]struct{}
	moves []movedTopology
}

type movedTopology struct {
	from, to   types.Ref
	networkIDs []string
}

func newChange() *change {
	return &change{
		ports: make(map[string]struct{}),
		vrfs:  make(map[types.Ref]struct{}),
	}
}

func (c *change) port(ids ...string) {
	for _, id := range ids {
		c.ports[id] = struct{}{}
	}
}

func (c *change) vrf(refs ...types.Ref) {
	for _, ref := range refs {
		if !ref.IsZero() {
			c.vrfs[ref] = struct{}{}
		}
	}
}

func (c *change) moved(from, to types.Ref, networkIDs []string) {
	if len(networkIDs) > 0 {
		c.moves = append(c.moves, movedTopology{from: from, to: to, networkIDs: networkIDs})
	}
}

// network records every port of the network as changed
func (c *change) network(r storage.Reader, networkID string) error {
	ports, err := r.ListPortsByNetwork(networkID)
	if err != nil {
		return fmt.Errorf("failed to list ports of network %s: %w", networkID, err)
	}
	for _, p := range ports {
		c.port(p.ID)
	}
	return nil
}

func (c *change) portIDs() []string {
	ids := make([]string, 0, len(c.ports))
	for id := range c.ports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *change) vrfRefs() []types.Ref {
	refs := make([]types.Ref, 0, len(c.vrfs))
	for ref := range c.vrfs {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key() < refs[j].Key() })
	return refs
}

// unitOfWork runs fn in one store transaction. A transient conflict re-runs
// fn from scratch up to MaxRetries times; every other error is returned
// unchanged. Notifications are sent only once the transaction committed.
func (e *Engine) unitOfWork(ctx context.Context, op string, fn func(tx storage.Tx, c *change) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UnitOfWorkDuration, op)

	for attempt := 0; ; attempt++ {
		c := newChange()
		err := e.store.Update(ctx, func(tx storage.Tx) error {
			return fn(tx, c)
		})
		if err == nil {
			metrics.UnitsOfWork.WithLabelValues(op, "ok").Inc()
			e.commit(c)
			return nil
		}

		logger := log.WithUnitOfWork(op, attempt)
		switch {
		case errors.Is(err, types.ErrConflict) && attempt < e.opts.MaxRetries:
			metrics.UnitOfWorkRetries.WithLabelValues(op).Inc()
			logger.Debug().Err(err).Msg("Retrying unit of work after conflict")
			select {
			case <-ctx.Done():
				metrics.UnitsOfWork.WithLabelValues(op, "error").Inc()
				return ctx.Err()
			case <-time.After(e.opts.RetryBackoff * time.Duration(attempt+1)):
			}
			continue
		case errors.Is(err, types.ErrConflict):
			metrics.UnitsOfWork.WithLabelValues(op, "conflict").Inc()
			logger.Error().Err(err).Msg("Unit of work kept conflicting")
			return fmt.Errorf("%s: %w after %d attempts: %w", op, types.ErrRetriesExhausted, attempt+1, err)
		case types.IsCallerError(err) || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrInUse):
			metrics.UnitsOfWork.WithLabelValues(op, "rejected").Inc()
			logger.Info().Err(err).Msg("Rejected unit of work")
			return err
		default:
			metrics.UnitsOfWork.WithLabelValues(op, "error").Inc()
			logger.Error().Err(err).Msg("Unit of work failed")
			return err
		}
	}
}

func (e *Engine) commit(c *change) {
	ports := c.portIDs()
	if len(ports) > 0 {
		e.bindings.Invalidate(ports...)
		e.notifier.PortUpdate(ports)
	}
	if refs := c.vrfRefs(); len(refs) > 0 {
		e.notifier.VRFUpdate(refs)
	}
	for _, m := range c.moves {
		e.notifier.TopologyMoved(m.from, m.to, m.networkIDs)
	}
}

// PortBinding returns the fabric placement of a port
func (e *Engine) PortBinding(ctx context.Context, portID string) (bindings.Binding, error) {
	return e.bindings.Get(ctx, portID)
}

// Inventory counts the topology store for the metrics collector
func (e *Engine) Inventory(ctx context.Context) (metrics.Inventory, error) {
	var inv metrics.Inventory
	err := e.store.View(ctx, func(r storage.Reader) error {
		mappings, err := r.ListNetworkMappings()
		if err != nil {
			return err
		}
		domains := make(map[types.Ref]struct{})
		for _, m := range mappings {
			if e.namer.IsUnrouted(m.RoutingDomain) {
				inv.UnroutedNetworks++
				continue
			}
			inv.RoutedNetworks++
			domains[m.RoutingDomain] = struct{}{}
		}
		inv.RoutingDomains = len(domains)

		routers, err := r.ListRouters()
		if err != nil {
			return err
		}
		inv.Routers = len(routers)

		ids, err := r.ListRouterIDAllocations()
		if err != nil {
			return err
		}
		inv.RouterIDs = len(ids)
		return nil
	})
	return inv, err
}
