package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	rnotel "github.com/petal-labs/rownumber/otel"
)

const instrumentationName = "github.com/petal-labs/rownumber"

// telemetry holds the OpenTelemetry providers of one run. Traces are
// exported over OTLP/HTTP when an endpoint is configured. Metrics are
// collected in process and logged when the run ends.
type telemetry struct {
	Tracing *rnotel.TracingHandler
	Metrics *rnotel.MetricsHandler

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

func newTelemetry(ctx context.Context, otlpEndpoint string) (*telemetry, error) {
	var opts []sdktrace.TracerProviderOption
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := rnotel.NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating metrics handler: %w", err)
	}

	return &telemetry{
		Tracing:        rnotel.NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics:        metrics,
		tracerProvider: tp,
		meterProvider:  mp,
		reader:         reader,
	}, nil
}

// LogMetrics collects the run's counters and logs them at debug level.
func (t *telemetry) LogMetrics(ctx context.Context, logger *slog.Logger) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		logger.Debug("collecting metrics failed", "error", err)
		return
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			logger.Debug("metric", "name", m.Name, "value", total)
		}
	}
}

// Shutdown flushes pending spans and releases both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.tracerProvider.Shutdown(ctx),
		t.meterProvider.Shutdown(ctx),
	)
}
