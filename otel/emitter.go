package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/rownumber/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// When events are emitted, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// Shard and partition events check their own span first and fall back to
// the run span. When no span is active, the event passes through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		var sc trace.SpanContext
		switch {
		case e.Shard != runtime.None:
			sc = tracing.ActiveShardSpanContext(e.RunID, e.Shard)
		case e.Partition != runtime.None:
			sc = tracing.ActivePartitionSpanContext(e.RunID, e.Partition)
		}
		if !sc.IsValid() && e.RunID != "" {
			sc = tracing.ActiveRunSpanContext(e.RunID)
		}
		if sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		emit(e)
	}
}

// Decorator returns a runtime.EventEmitterDecorator that applies EnrichEmitter.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
