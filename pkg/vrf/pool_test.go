package vrf

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewPool(t *testing.T) {
	tests := []struct {
		cidr    string
		wantErr bool
	}{
		{cidr: "10.255.0.0/24"},
		{cidr: "10.255.0.7/29"},
		{cidr: "fd00::/64", wantErr: true},
		{cidr: "not-a-cidr", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			_, err := NewPool(tt.cidr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoolAllocate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pool, err := NewPool("10.255.0.0/30")
	require.NoError(t, err)

	allocate := func(owner string) (string, error) {
		var id string
		err := s.Update(ctx, func(tx storage.Tx) error {
			var err error
			id, err = pool.Allocate(tx, owner)
			return err
		})
		return id, err
	}

	a, err := allocate("gw-a")
	require.NoError(t, err)
	assert.Equal(t, "10.255.0.1", a)

	b, err := allocate("gw-b")
	require.NoError(t, err)
	assert.Equal(t, "10.255.0.2", b)

	again, err := allocate("gw-a")
	require.NoError(t, err)
	assert.Equal(t, a, again, "an owner keeps its router id")

	_, err = allocate("gw-c")
	assert.True(t, errors.Is(err, types.ErrPoolExhausted), "got %v", err)

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error { return pool.Release(tx, "gw-a") }))
	c, err := allocate("gw-c")
	require.NoError(t, err)
	assert.Equal(t, "10.255.0.1", c)

	require.NoError(t, s.View(ctx, func(r storage.Reader) error {
		id, ok, err := Lookup(r, "gw-c")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, c, id)

		_, ok, err = Lookup(r, "gw-a")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestPoolFree(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pool, err := NewPool("10.255.0.0/29")
	require.NoError(t, err)

	free := func() int {
		var n int
		require.NoError(t, s.View(ctx, func(r storage.Reader) error {
			var err error
			n, err = pool.Free(r)
			return err
		}))
		return n
	}
	assert.Equal(t, 6, free())

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		if _, err := pool.Allocate(tx, "gw-a"); err != nil {
			return err
		}
		// Rows outside the prefix do not count against it
		return tx.PutRouterIDAllocation(&types.RouterIDAllocation{Owner: "old", RouterID: "192.0.2.1"})
	}))
	assert.Equal(t, 5, free())

	tiny, err := NewPool("10.255.1.0/31")
	require.NoError(t, err)
	require.NoError(t, s.View(ctx, func(r storage.Reader) error {
		n, err := tiny.Free(r)
		assert.Zero(t, n)
		return err
	}))
}
