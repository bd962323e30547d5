package metrics

import (
	"context"
	"time"
)

// Inventory is a point-in-time count of the topology store
type Inventory struct {
	RoutedNetworks   int
	UnroutedNetworks int
	Routers          int
	RoutingDomains   int
	RouterIDs        int
}

// Source provides the values the collector publishes
type Source interface {
	Inventory(ctx context.Context) (Inventory, error)
	IsLeader() bool
	AppliedIndex() uint64
}

// Collector periodically publishes inventory gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect publishes one round of gauges
func (c *Collector) Collect(ctx context.Context) {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.source.AppliedIndex()))

	inv, err := c.source.Inventory(ctx)
	if err != nil {
		return
	}
	NetworksTotal.WithLabelValues("routed").Set(float64(inv.RoutedNetworks))
	NetworksTotal.WithLabelValues("unrouted").Set(float64(inv.UnroutedNetworks))
	RoutersTotal.Set(float64(inv.Routers))
	RoutingDomainsTotal.Set(float64(inv.RoutingDomains))
	RouterIDsAllocated.Set(float64(inv.RouterIDs))
}
