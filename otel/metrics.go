package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/rownumber/runtime"
)

// MetricsHandler translates runtime events into OpenTelemetry metrics.
// It records counters and histograms for shards, partitions and runs.
type MetricsHandler struct {
	shardRecords      metric.Int64Counter
	shardFailures     metric.Int64Counter
	partitionRecords  metric.Int64Counter
	shardDuration     metric.Float64Histogram
	partitionDuration metric.Float64Histogram
	runDuration       metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording runtime metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	shardRecords, err := meter.Int64Counter("rownumber.shard.records",
		metric.WithDescription("Number of records counted by committed shards"),
	)
	if err != nil {
		return nil, err
	}

	shardFail, err := meter.Int64Counter("rownumber.shard.failures",
		metric.WithDescription("Number of failed shard attempts"),
	)
	if err != nil {
		return nil, err
	}

	partRecords, err := meter.Int64Counter("rownumber.partition.records",
		metric.WithDescription("Number of records numbered per partition"),
	)
	if err != nil {
		return nil, err
	}

	shardDur, err := meter.Float64Histogram("rownumber.shard.duration",
		metric.WithDescription("Duration of a successful shard attempt in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	partDur, err := meter.Float64Histogram("rownumber.partition.duration",
		metric.WithDescription("Duration of partition numbering in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("rownumber.run.duration",
		metric.WithDescription("Duration of a numbering run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		shardRecords:      shardRecords,
		shardFailures:     shardFail,
		partitionRecords:  partRecords,
		shardDuration:     shardDur,
		partitionDuration: partDur,
		runDuration:       runDur,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventShardFinished:
		h.handleShardFinished(e)
	case runtime.EventShardFailed:
		h.handleShardFailed(e)
	case runtime.EventPartitionFinished:
		h.handlePartitionFinished(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleShardFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("shard", e.ShardName),
	)
	if n, ok := e.Int64("records"); ok {
		h.shardRecords.Add(ctx, n, attrs)
	}
	h.shardDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleShardFailed(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("shard", e.ShardName),
		attribute.Int("attempt", e.Attempt),
	)
	h.shardFailures.Add(ctx, 1, attrs)
}

func (h *MetricsHandler) handlePartitionFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("partition", strconv.Itoa(e.Partition)),
	)
	if n, ok := e.Int64("records"); ok {
		h.partitionRecords.Add(ctx, n, attrs)
	}
	h.partitionDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	ctx := context.Background()
	status, _ := e.Payload["status"].(string)
	attrs := metric.WithAttributes(
		attribute.String("run_id", e.RunID),
		attribute.String("status", status),
	)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}
