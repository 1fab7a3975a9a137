package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/rownumber/runtime"
)

// StoreSubscriber writes events to an EventStore.
// Its Handle method has runtime.EventHandler semantics.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged and
// not returned.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain persists every event received on sub until the subscription closes.
// It is meant to run in its own goroutine.
func (s *StoreSubscriber) Drain(sub Subscription) {
	for event := range sub.Events() {
		s.Handle(event)
	}
	if n := sub.Dropped(); n > 0 {
		s.logger.Warn("event subscription overflowed; stored history is incomplete",
			"dropped", n,
		)
	}
}
