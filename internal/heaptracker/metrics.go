package heaptracker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	Faults          metric.Int64Counter
	Evictions       metric.Int64Counter
	Rebuilds        metric.Int64Counter
	RebuildDuration metric.Int64Histogram
}

// NewMetrics registers the tracker instruments. counts is polled for the tracked and resident gauges.
func NewMetrics(meterProvider metric.MeterProvider, counts func() (tracked, resident int64)) (Metrics, error) {
	meter := meterProvider.Meter("internal.heaptracker.metrics")

	faults, err := meter.Int64Counter("heap_tracker.faults",
		metric.WithDescription("Entries made resident by deferred mapping"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get faults metric: %w", err)
	}

	evictions, err := meter.Int64Counter("heap_tracker.evictions",
		metric.WithDescription("Entries evicted by rebuilds"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get evictions metric: %w", err)
	}

	rebuilds, err := meter.Int64Counter("heap_tracker.rebuilds",
		metric.WithDescription("Eviction sweeps run"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get rebuilds metric: %w", err)
	}

	rebuildDuration, err := meter.Int64Histogram("heap_tracker.rebuild.duration",
		metric.WithDescription("Duration of eviction sweeps"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get rebuild duration metric: %w", err)
	}

	_, err = meter.Int64ObservableGauge("heap_tracker.mappings.tracked",
		metric.WithDescription("Tracked separate heap entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			tracked, _ := counts()
			o.Observe(tracked)

			return nil
		}),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get tracked mappings metric: %w", err)
	}

	_, err = meter.Int64ObservableGauge("heap_tracker.mappings.resident",
		metric.WithDescription("Resident separate heap entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			_, resident := counts()
			o.Observe(resident)

			return nil
		}),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get resident mappings metric: %w", err)
	}

	return Metrics{
		Faults:          faults,
		Evictions:       evictions,
		Rebuilds:        rebuilds,
		RebuildDuration: rebuildDuration,
	}, nil
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Milliseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
