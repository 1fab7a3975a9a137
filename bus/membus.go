package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/rownumber/runtime"
)

const defaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus fans events out to in-process subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event and its Dropped count
// goes up. Counting workers publish from many goroutines at once.
type MemBus struct {
	mu      sync.RWMutex
	subs    []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	size := config.SubscriberBufferSize
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	return &MemBus{bufSize: size}
}

// Publish delivers event to every subscriber whose run and kind filters
// match. Events published after Close are discarded.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(event) {
			sub.send(event)
		}
	}
}

// Subscribe receives the events of one run.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	return b.add(&runID, kinds)
}

// SubscribeAll receives the events of every run.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	return b.add(nil, kinds)
}

func (b *MemBus) add(runID *string, kinds []runtime.EventKind) *memSub {
	sub := &memSub{
		bus:   b,
		runID: runID,
		kinds: slices.Clone(kinds),
		ch:    make(chan runtime.Event, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *memSub) bool { return s == sub })
}

// Close ends every subscription. Ranging over a subscription's channel
// terminates once its buffered events are consumed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
	return nil
}

// memSub is one subscriber. A nil runID matches every run.
type memSub struct {
	bus     *MemBus
	runID   *string
	kinds   []runtime.EventKind
	ch      chan runtime.Event
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *memSub) wants(e runtime.Event) bool {
	if s.runID != nil && *s.runID != e.RunID {
		return false
	}
	return len(s.kinds) == 0 || slices.Contains(s.kinds, e.Kind)
}

func (s *memSub) send(e runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its bus.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.closeChan()
	return nil
}

func (s *memSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
