package otel_test

import (
	"testing"

	rnotel "github.com/petal-labs/rownumber/otel"
	"github.com/petal-labs/rownumber/runtime"
)

func TestEnrichEmitter_ShardSpanPopulatesTraceFields(t *testing.T) {
	_, tp := newTestTracer()
	h := rnotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	h.Handle(runtime.NewEvent(runtime.EventShardStarted, "run-1").WithShard(2, "a"))

	expected := h.ActiveShardSpanContext("run-1", 2)
	if !expected.IsValid() {
		t.Fatal("expected valid shard span context")
	}

	var received runtime.Event
	enriched := rnotel.EnrichEmitter(func(e runtime.Event) { received = e }, h)
	enriched(runtime.NewEvent(runtime.EventShardProgress, "run-1").WithShard(2, "a"))

	if received.TraceID != expected.TraceID().String() {
		t.Errorf("TraceID: got %q, want %q", received.TraceID, expected.TraceID().String())
	}
	if received.SpanID != expected.SpanID().String() {
		t.Errorf("SpanID: got %q, want %q", received.SpanID, expected.SpanID().String())
	}
}

func TestEnrichEmitter_RunSpanFallback(t *testing.T) {
	_, tp := newTestTracer()
	h := rnotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	runSC := h.ActiveRunSpanContext("run-1")

	var received runtime.Event
	decorate := rnotel.Decorator(h)
	emit := decorate(func(e runtime.Event) { received = e })

	// Partition 4 has no span yet.
	emit(runtime.NewEvent(runtime.EventPartitionStarted, "run-1").WithPartition(4))

	if received.SpanID != runSC.SpanID().String() {
		t.Errorf("SpanID: got %q, want run span %q", received.SpanID, runSC.SpanID().String())
	}
}

func TestEnrichEmitter_NoActiveSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := rnotel.NewTracingHandler(tp.Tracer("test"))

	var received runtime.Event
	enriched := rnotel.EnrichEmitter(func(e runtime.Event) { received = e }, h)
	enriched(runtime.NewEvent(runtime.EventRunStarted, "run-none"))

	if received.TraceID != "" || received.SpanID != "" {
		t.Errorf("expected empty trace fields, got %q/%q", received.TraceID, received.SpanID)
	}
}
