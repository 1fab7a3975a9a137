// Package otel provides OpenTelemetry integration for row numbering runtime events.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/rownumber/runtime"
)

// TracingHandler translates runtime events into OpenTelemetry spans.
// A run span is the root; each shard attempt and each partition gets a
// child span. Barrier and retry events are recorded as span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span      // runID -> span
	runCtxs    map[string]context.Context // runID -> context (for child spans)
	childSpans map[string]trace.Span      // runID:shard:N or runID:partition:N -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		childSpans: make(map[string]trace.Span),
	}
}

func shardKey(runID string, shard int) string {
	return runID + ":shard:" + strconv.Itoa(shard)
}

func partitionKey(runID string, partition int) string {
	return runID + ":partition:" + strconv.Itoa(partition)
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventShardStarted:
		h.startChild(e, shardKey(e.RunID, e.Shard), "shard:"+e.ShardName,
			attribute.Int("rownumber.shard", e.Shard),
			attribute.String("rownumber.shard_name", e.ShardName),
			attribute.Int("rownumber.attempt", e.Attempt),
		)
	case runtime.EventShardFinished:
		h.endChild(e, shardKey(e.RunID, e.Shard), false)
	case runtime.EventShardFailed:
		h.endChild(e, shardKey(e.RunID, e.Shard), true)
	case runtime.EventPartitionStarted:
		h.startChild(e, partitionKey(e.RunID, e.Partition), "partition:"+strconv.Itoa(e.Partition),
			attribute.Int("rownumber.partition", e.Partition),
		)
	case runtime.EventPartitionFinished:
		h.endChild(e, partitionKey(e.RunID, e.Partition), false)
	case runtime.EventPartitionFailed:
		h.endChild(e, partitionKey(e.RunID, e.Partition), true)
	case runtime.EventBarrierReached, runtime.EventShardRetried:
		h.addRunEvent(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("rownumber.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)
	if n, ok := e.Int64("partitions"); ok {
		span.SetAttributes(attribute.Int64("rownumber.partitions", n))
	}
	if n, ok := e.Int64("shards"); ok {
		span.SetAttributes(attribute.Int64("rownumber.shards", n))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// startChild creates a child span under the run span.
func (h *TracingHandler) startChild(e runtime.Event, key, name string, attrs ...attribute.KeyValue) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	attrs = append(attrs, attribute.String("rownumber.run_id", e.RunID))
	_, span := h.tracer.Start(parentCtx, name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.childSpans[key] = span
	h.mu.Unlock()
}

// endChild ends a shard or partition span with the status the event implies.
func (h *TracingHandler) endChild(e runtime.Event, key string, failed bool) {
	h.mu.Lock()
	span, ok := h.childSpans[key]
	if ok {
		delete(h.childSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(attribute.String("rownumber.duration", e.Elapsed.String()))
	if n, ok := e.Int64("records"); ok {
		span.SetAttributes(attribute.Int64("rownumber.records", n))
	}
	if n, ok := e.Int64("base"); ok {
		span.SetAttributes(attribute.Int64("rownumber.base", n))
	}

	if failed {
		errMsg := "unknown error"
		if s, ok := e.Payload["error"].(string); ok {
			errMsg = s
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// addRunEvent records a span event on the run span.
func (h *TracingHandler) addRunEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("rownumber.event_kind", string(e.Kind)),
	}
	if e.Shard != runtime.None {
		attrs = append(attrs,
			attribute.Int("rownumber.shard", e.Shard),
			attribute.Int("rownumber.attempt", e.Attempt),
		)
	}
	if n, ok := e.Int64("records"); ok {
		attrs = append(attrs, attribute.Int64("rownumber.records", n))
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunFinished ends the root run span.
func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status, _ := e.Payload["status"].(string)
	span.SetAttributes(
		attribute.String("rownumber.duration", e.Elapsed.String()),
		attribute.String("rownumber.status", status),
	)
	if n, ok := e.Int64("records"); ok {
		span.SetAttributes(attribute.Int64("rownumber.records", n))
	}

	if status == "failed" {
		errMsg := "run failed"
		if s, ok := e.Payload["error"].(string); ok {
			errMsg = s
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(e.Time))
}

// ActiveShardSpanContext returns the SpanContext for the active span of a
// shard attempt. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveShardSpanContext(runID string, shard int) trace.SpanContext {
	return h.childSpanContext(shardKey(runID, shard))
}

// ActivePartitionSpanContext returns the SpanContext for the active span of
// a partition. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActivePartitionSpanContext(runID string, partition int) trace.SpanContext {
	return h.childSpanContext(partitionKey(runID, partition))
}

func (h *TracingHandler) childSpanContext(key string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.childSpans[key]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
