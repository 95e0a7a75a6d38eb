package health

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/models"
)

const meterName = "fleetradar.health"

type monitorMetrics struct {
	checks        metric.Int64Counter
	checkLatency  metric.Float64Histogram
	transitions   metric.Int64Counter
	cycleDuration metric.Float64Histogram
	stragglers    metric.Int64Counter
}

func newMonitorMetrics(mp metric.MeterProvider) *monitorMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &monitorMetrics{}

	var err error

	if m.checks, err = meter.Int64Counter(
		"fleetradar_health_checks_total",
		metric.WithDescription("Gateway health checks by outcome"),
	); err != nil {
		otel.Handle(err)
	}

	if m.checkLatency, err = meter.Float64Histogram(
		"fleetradar_health_check_seconds",
		metric.WithDescription("Gateway health check latency"),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	if m.transitions, err = meter.Int64Counter(
		"fleetradar_health_transitions_total",
		metric.WithDescription("Gateway health state changes"),
	); err != nil {
		otel.Handle(err)
	}

	if m.cycleDuration, err = meter.Float64Histogram(
		"fleetradar_health_cycle_seconds",
		metric.WithDescription("Duration of a full health cycle"),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	if m.stragglers, err = meter.Int64Counter(
		"fleetradar_health_deadline_misses_total",
		metric.WithDescription("Checks recorded as soft failures because the cycle deadline passed"),
	); err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *monitorMetrics) recordCheck(ctx context.Context, outcome gateway.FailureClass, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))

	if m.checks != nil {
		m.checks.Add(ctx, 1, attrs)
	}

	if m.checkLatency != nil {
		m.checkLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

func (m *monitorMetrics) recordTransition(ctx context.Context, from, to models.HealthState) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
}

func (m *monitorMetrics) recordCycle(ctx context.Context, elapsed time.Duration, stragglers int) {
	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, elapsed.Seconds())
	}

	if m.stragglers != nil && stragglers > 0 {
		m.stragglers.Add(ctx, int64(stragglers))
	}
}
