package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/petal-labs/rownumber/runtime"
)

// MemEventStore is a thread-safe in-memory event store. Events are kept
// sorted by Seq, since concurrent shards may publish out of order.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events sorted by Seq
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[event.RunID]
	i, _ := slices.BinarySearchFunc(events, event.Seq, func(e runtime.Event, seq uint64) int {
		return cmp.Compare(e.Seq, seq)
	})
	s.events[event.RunID] = slices.Insert(events, i, event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
