package bindings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	unrouted = types.Ref{Kind: types.KindRoutingDomain, Tenant: "common", Name: "UnroutedVRF"}
	routed   = types.Ref{Kind: types.KindRoutingDomain, Tenant: "prj_t1", Name: "DefaultVRF"}
)

func newTestCache(t *testing.T) (*Cache, storage.Store) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		require.NoError(t, tx.PutPort(&types.Port{ID: "p1", NetworkID: "n1"}))
		require.NoError(t, tx.PutPort(&types.Port{ID: "orphan", NetworkID: "gone"}))
		return tx.PutNetworkMapping(&types.NetworkMapping{NetworkID: "n1", RoutingDomain: unrouted})
	}))

	c, err := NewCache(s, 16)
	require.NoError(t, err)
	return c, s
}

func route(t *testing.T, s storage.Store) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		m, err := tx.GetNetworkMapping("n1")
		if err != nil {
			return err
		}
		m.RoutingDomain = routed
		return tx.PutNetworkMapping(m)
	}))
}

func TestGetAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)

	b, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, unrouted, b.RoutingDomain)
	assert.Equal(t, 1, c.Len())

	route(t, s)
	b, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, unrouted, b.RoutingDomain, "served from cache until invalidated")

	c.Invalidate("p1")
	b, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, routed, b.RoutingDomain)
}

func TestGetErrors(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = c.Get(context.Background(), "orphan")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Equal(t, 0, c.Len())
}

func TestWatchEvictsOnPortUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, s := newTestCache(t)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	go c.Watch(ctx, sub)

	_, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	route(t, s)

	events.NewNotifier(broker).PortUpdate([]string{"p1"})
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)

	b, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, routed, b.RoutingDomain)
}
