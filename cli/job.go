package cli

import (
	"context"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/rownumber/bus"
	"github.com/petal-labs/rownumber/config"
	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/lineio"
	rnotel "github.com/petal-labs/rownumber/otel"
	"github.com/petal-labs/rownumber/runtime"
	"github.com/petal-labs/rownumber/shuffle"
)

// runJob executes one numbering run described by cfg. A non-nil shared bus
// belongs to a long-running caller, which then owns event persistence;
// otherwise the run gets its own bus and persists to cfg.Events.
func runJob(ctx context.Context, cfg config.Config, logger *slog.Logger, shared *bus.MemBus) (*runtime.Result, error) {
	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one input file is required", core.ErrConfiguration)
	}
	if cfg.Output.Dir == "" {
		return nil, fmt.Errorf("%w: output directory is required (--output or output.dir)", core.ErrConfiguration)
	}

	partitioner, err := cfg.NewPartitioner()
	if err != nil {
		return nil, err
	}

	shards, err := lineio.Split(cfg.Inputs, cfg.SplitSize)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	var store shuffle.Store
	if cfg.Store.DSN != "" {
		s, err := shuffle.NewSQLiteStore(shuffle.SQLiteStoreConfig{DSN: cfg.Store.DSN, RunID: runID})
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = s.Close()
		}()
		store = s
	}

	sink, err := lineio.NewDirSink(cfg.Output.Dir, lineio.DirSinkOptions{Compress: cfg.Output.Compress})
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	eb := shared
	if eb == nil {
		eb = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 4096})
		defer func() {
			_ = eb.Close()
		}()

		if cfg.Events.DSN != "" {
			es, err := openEventStore(cfg)
			if err != nil {
				return nil, err
			}
			defer func() {
				_ = es.Close()
			}()

			sub := eb.Subscribe(runID)
			drained := make(chan struct{})
			go func() {
				bus.NewStoreSubscriber(es, logger).Drain(sub)
				close(drained)
			}()
			defer func() {
				// Flush buffered events before the store closes.
				_ = eb.Close()
				<-drained
			}()
		}
	}

	throttle, stopThrottle := bus.Decorator(bus.ThrottleConfig{})
	defer stopThrottle()
	enrich := rnotel.Decorator(tel.Tracing)

	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = goruntime.NumCPU()
	}

	logger.Info("starting run",
		"inputs", len(cfg.Inputs),
		"shards", len(shards),
		"partitions", cfg.Partitions,
		"concurrency", concurrency,
	)

	result, err := runtime.Run(ctx, shards, runtime.RunOptions{
		Partitions:       cfg.Partitions,
		Partitioner:      partitioner,
		Concurrency:      concurrency,
		MaxShardAttempts: cfg.MaxShardAttempts,
		Store:            store,
		Sink:             sink,
		RunID:            runID,
		ProgressEvery:    cfg.ProgressEvery,
		EventHandler: runtime.MultiEventHandler(
			tel.Tracing.Handle,
			tel.Metrics.Handle,
			logEvents(logger),
		),
		EventEmitterDecorator: func(next runtime.EventEmitter) runtime.EventEmitter {
			return enrich(throttle(next))
		},
		EventBus: eb,
		Logger:   logger,
	})
	stopThrottle()
	tel.LogMetrics(ctx, logger)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func openEventStore(cfg config.Config) (*bus.SQLiteEventStore, error) {
	return bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:           cfg.Events.DSN,
		RetentionRuns: cfg.Events.RetentionRuns,
	})
}

// logEvents logs shard and partition progress at debug level.
func logEvents(logger *slog.Logger) runtime.EventHandler {
	return func(e runtime.Event) {
		switch e.Kind {
		case runtime.EventShardFailed, runtime.EventPartitionFailed:
			logger.Warn(e.Kind.String(),
				"shard", e.ShardName,
				"partition", e.Partition,
				"attempt", e.Attempt,
				"error", e.Payload["error"],
			)
		case runtime.EventShardFinished, runtime.EventShardProgress, runtime.EventPartitionFinished, runtime.EventBarrierReached:
			logger.Debug(e.Kind.String(),
				"shard", e.ShardName,
				"partition", e.Partition,
				"records", e.Payload["records"],
				"elapsed", e.Elapsed,
			)
		}
	}
}
