package fleet

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fleetradar.fleet"

type pollerMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	droppedTicks  metric.Int64Counter
	fetches       metric.Int64Counter
	sinkFailures  metric.Int64Counter
}

func newPollerMetrics(mp metric.MeterProvider) *pollerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &pollerMetrics{}

	var err error

	if m.cycles, err = meter.Int64Counter(
		"fleetradar_poll_cycles_total",
		metric.WithDescription("Completed poll cycles by result"),
	); err != nil {
		otel.Handle(err)
	}

	if m.cycleDuration, err = meter.Float64Histogram(
		"fleetradar_poll_cycle_seconds",
		metric.WithDescription("Wall time of one poll cycle"),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	if m.droppedTicks, err = meter.Int64Counter(
		"fleetradar_poll_dropped_ticks_total",
		metric.WithDescription("Ticks dropped because the previous cycle was still running"),
	); err != nil {
		otel.Handle(err)
	}

	if m.fetches, err = meter.Int64Counter(
		"fleetradar_device_fetches_total",
		metric.WithDescription("Device list fetches by gateway outcome"),
	); err != nil {
		otel.Handle(err)
	}

	if m.sinkFailures, err = meter.Int64Counter(
		"fleetradar_persist_failures_total",
		metric.WithDescription("Store writes and event publishes that failed"),
	); err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *pollerMetrics) recordCycle(ctx context.Context, result string, elapsed time.Duration) {
	if m.cycles != nil {
		m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}

	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, elapsed.Seconds())
	}
}

func (m *pollerMetrics) recordDroppedTick(ctx context.Context) {
	if m.droppedTicks != nil {
		m.droppedTicks.Add(ctx, 1)
	}
}

func (m *pollerMetrics) recordFetch(ctx context.Context, outcome string) {
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *pollerMetrics) recordSinkFailure(ctx context.Context, target string) {
	if m.sinkFailures != nil {
		m.sinkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
	}
}
