// Package runtime runs row numbering jobs: a parallel counting phase over
// input shards, a barrier, and a parallel numbering phase over partitions.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by the runtime.
type EventKind string

const (
	// EventRunStarted is emitted when a job begins.
	EventRunStarted EventKind = "run.started"

	// EventShardStarted is emitted when a Local Counter begins an attempt on a shard.
	EventShardStarted EventKind = "shard.started"

	// EventShardProgress is emitted periodically while a shard is being counted.
	// High-frequency; see bus.ThrottledEmitter.
	EventShardProgress EventKind = "shard.progress"

	// EventShardFinished is emitted when a shard's tokens are committed.
	EventShardFinished EventKind = "shard.finished"

	// EventShardFailed is emitted when a shard attempt fails.
	EventShardFailed EventKind = "shard.failed"

	// EventShardRetried is emitted when a failed shard is replayed from the start.
	EventShardRetried EventKind = "shard.retried"

	// EventBarrierReached is emitted once every shard has committed.
	EventBarrierReached EventKind = "barrier.reached"

	// EventPartitionStarted is emitted when an Aggregator begins a partition.
	EventPartitionStarted EventKind = "partition.started"

	// EventPartitionFinished is emitted when a partition's outputs are committed.
	EventPartitionFinished EventKind = "partition.finished"

	// EventPartitionFailed is emitted when a partition cannot be numbered.
	EventPartitionFailed EventKind = "partition.failed"

	// EventRunFinished is emitted when a job completes.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// None marks an unset Shard or Partition field on an Event.
const None = -1

// Event is a structured record of what happened during a job.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// Shard is the shard index (None for non-shard events).
	Shard int

	// ShardName is a human-readable shard label such as "input.txt:0+65536".
	ShardName string

	// Partition is the partition index (None for non-partition events).
	Partition int

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed) for shard replays.
	Attempt int

	// Elapsed is the duration since the run, shard attempt or partition started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:      kind,
		RunID:     runID,
		Shard:     None,
		Partition: None,
		Time:      time.Now(),
		Attempt:   1,
		Payload:   make(map[string]any),
	}
}

// WithShard sets the shard information on the event.
func (e Event) WithShard(shard int, name string) Event {
	e.Shard = shard
	e.ShardName = name
	return e
}

// WithPartition sets the partition on the event.
func (e Event) WithPartition(partition int) Event {
	e.Partition = partition
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Int64 reads an integer payload value, accepting the numeric types a
// payload may hold after a JSON round trip.
func (e Event) Int64(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace
// metadata) or coalescing progress events.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
