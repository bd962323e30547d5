package events

import (
	"testing"
	"time"

	"github.com/cuemby/topofabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1, s2 := b.Subscribe(), b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	require.True(t, b.Publish(&Event{Type: EventTopologyMoved, Message: "moved"}))

	for _, sub := range []Subscriber{s1, s2} {
		ev := receive(t, sub)
		assert.Equal(t, EventTopologyMoved, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started: nothing drains the queue

	accepted := 0
	for i := 0; i < 150; i++ {
		if b.Publish(&Event{Type: EventPortUpdate}) {
			accepted++
		}
	}
	assert.Equal(t, 100, accepted)

	b.Stop()
	b.Stop()
}

func TestNotifier(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()
	n := NewNotifier(b)

	n.PortUpdate(nil)
	n.PortUpdate([]string{"p2", "p1"})
	ev := receive(t, sub)
	assert.Equal(t, EventPortUpdate, ev.Type)
	assert.Equal(t, []string{"p1", "p2"}, ev.Subjects)

	n.VRFUpdate([]types.Ref{{Kind: types.KindRoutingDomain, Tenant: "prj_t1", Name: "DefaultVRF"}})
	ev = receive(t, sub)
	assert.Equal(t, EventVRFUpdate, ev.Type)
	assert.Equal(t, []string{"routing_domain:prj_t1/DefaultVRF"}, ev.Subjects)

	from := types.Ref{Kind: types.KindRoutingDomain, Tenant: "prj_t1", Name: "DefaultVRF"}
	to := types.Ref{Kind: types.KindRoutingDomain, Tenant: "prj_t2", Name: "DefaultVRF"}
	n.TopologyMoved(from, to, nil)
	n.TopologyMoved(from, to, []string{"n2", "n1"})
	ev = receive(t, sub)
	assert.Equal(t, EventTopologyMoved, ev.Type)
	assert.Equal(t, []string{"n1", "n2"}, ev.Subjects)
	assert.Equal(t, "routing_domain:prj_t1/DefaultVRF", ev.Metadata["from"])
	assert.Equal(t, "routing_domain:prj_t2/DefaultVRF", ev.Metadata["to"])
}
