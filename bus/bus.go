// Package bus distributes row numbering job events. It lets the runtime
// publish shard and partition lifecycle events while loggers, progress
// reporters and event stores subscribe without the runtime knowing them.
package bus

import "github.com/petal-labs/rownumber/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run. When kinds are
	// given, only events of those kinds are delivered.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Dropped reports how many events missed this subscription because its
	// buffer was full.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
