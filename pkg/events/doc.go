/*
Package events provides the in-memory event broker topofabric uses to signal
out-of-band agents.

The engine never talks to agents directly. After a unit of work commits it
hands the affected port ids and routing domains to a Notifier, which publishes
them on the Broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	notifier := events.NewNotifier(broker)
	notifier.PortUpdate([]string{"port-1", "port-2"})

Subscribers receive every event on a buffered channel (50 events). Publish
never blocks: the broker queue holds 100 events and anything beyond that is
dropped with a warning, as is anything sent to a subscriber whose buffer is
full. Agents must therefore treat events as hints and re-read state.

# Event Types

  - port.update: Subjects are port ids whose bindings changed
  - vrf.update: Subjects are routing domain refs that gained or lost networks
  - topology.moved: Subjects are the network ids of one move; Metadata
    carries the "from" and "to" routing domains
  - reconcile.completed: emitted by the periodic reconciler with the report id
*/
package events
