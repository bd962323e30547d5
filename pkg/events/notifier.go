package events

import (
	"fmt"
	"sort"

	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/types"
)

// Notifier signals out-of-band agents after a unit of work commits.
// Signals are fire-and-forget.
type Notifier interface {
	PortUpdate(portIDs []string)
	VRFUpdate(vrfs []types.Ref)
	TopologyMoved(from, to types.Ref, networkIDs []string)
}

// BrokerNotifier publishes notifications on a Broker
type BrokerNotifier struct {
	broker *Broker
}

// NewNotifier creates a notifier publishing on broker
func NewNotifier(broker *Broker) *BrokerNotifier {
	return &BrokerNotifier{broker: broker}
}

// PortUpdate publishes a port.update event for the given ports
func (n *BrokerNotifier) PortUpdate(portIDs []string) {
	if len(portIDs) == 0 {
		return
	}
	ids := append([]string(nil), portIDs...)
	sort.Strings(ids)
	n.publish(&Event{Type: EventPortUpdate, Subjects: ids})
}

// VRFUpdate publishes a vrf.update event for the given routing domains
func (n *BrokerNotifier) VRFUpdate(vrfs []types.Ref) {
	if len(vrfs) == 0 {
		return
	}
	subjects := make([]string, 0, len(vrfs))
	for _, ref := range vrfs {
		subjects = append(subjects, ref.String())
	}
	sort.Strings(subjects)
	n.publish(&Event{Type: EventVRFUpdate, Subjects: subjects})
}

// TopologyMoved publishes a topology.moved event for networks re-parented
// from one routing domain to another
func (n *BrokerNotifier) TopologyMoved(from, to types.Ref, networkIDs []string) {
	if len(networkIDs) == 0 {
		return
	}
	ids := append([]string(nil), networkIDs...)
	sort.Strings(ids)
	n.publish(&Event{
		Type:     EventTopologyMoved,
		Message:  fmt.Sprintf("%d networks moved from %s to %s", len(ids), from, to),
		Subjects: ids,
		Metadata: map[string]string{"from": from.String(), "to": to.String()},
	})
}

func (n *BrokerNotifier) publish(event *Event) {
	if !n.broker.Publish(event) {
		logger := log.WithComponent("events")
		logger.Warn().
			Str("type", string(event.Type)).
			Int("subjects", len(event.Subjects)).
			Msg("Dropped notification")
	}
}

// Nop discards every notification
type Nop struct{}

func (Nop) PortUpdate([]string) {}
func (Nop) VRFUpdate([]types.Ref) {}
func (Nop) TopologyMoved(types.Ref, types.Ref, []string) {}
