package bus

import (
	"strconv"
	"sync"
	"time"

	"github.com/petal-labs/rownumber/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced progress events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces high-frequency
// shard.progress events. Other events pass through immediately. Progress is
// coalesced per shard: only the latest progress event for each shard is kept
// within each interval, and a background ticker flushes them.
//
// A shard's pending progress is dropped once that shard finishes or fails,
// so a stale record count is never reported after the final one.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // runID/shard -> latest progress event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps the given
// emitter and coalesces EventShardProgress events at the configured interval.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Decorator returns a runtime.EventEmitterDecorator that routes a run's
// events through a ThrottledEmitter. The returned stop function flushes and
// stops it and must be called after the run.
func Decorator(cfg ThrottleConfig) (runtime.EventEmitterDecorator, func()) {
	var (
		mu sync.Mutex
		te *ThrottledEmitter
	)
	decorate := func(next runtime.EventEmitter) runtime.EventEmitter {
		mu.Lock()
		defer mu.Unlock()
		te = NewThrottledEmitter(next, cfg)
		return te.Emit
	}
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if te != nil {
			te.Close()
		}
	}
	return decorate, stop
}

func progressKey(e runtime.Event) string {
	return e.RunID + "/" + strconv.Itoa(e.Shard)
}

// Emit sends an event through the throttled emitter.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	switch e.Kind {
	case runtime.EventShardProgress:
		te.mu.Lock()
		defer te.mu.Unlock()
		if te.closed {
			return
		}
		te.pending[progressKey(e)] = e
		return

	case runtime.EventShardFinished, runtime.EventShardFailed:
		te.mu.Lock()
		delete(te.pending, progressKey(e))
		te.mu.Unlock()
	}
	te.emit(e)
}

// Close flushes any pending progress events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced progress.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends all pending coalesced progress events to the wrapped emitter
// and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	toFlush := te.pending
	te.pending = make(map[string]runtime.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}
