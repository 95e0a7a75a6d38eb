package roaming

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/models"
)

const meterName = "fleetradar.roaming"

type trackerMetrics struct {
	events  metric.Int64Counter
	dropped metric.Int64Counter
}

func newTrackerMetrics(mp metric.MeterProvider, t *Tracker) *trackerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &trackerMetrics{}

	var err error

	if m.events, err = meter.Int64Counter(
		"fleetradar_roaming_events_total",
		metric.WithDescription("Roaming events by reason"),
	); err != nil {
		otel.Handle(err)
	}

	if m.dropped, err = meter.Int64Counter(
		"fleetradar_roaming_subscriber_drops_total",
		metric.WithDescription("Events not delivered to a slow subscriber"),
	); err != nil {
		otel.Handle(err)
	}

	active, err := meter.Int64ObservableGauge(
		"fleetradar_roaming_active_sessions",
		metric.WithDescription("Devices currently associated with a gateway"),
	)
	if err != nil {
		otel.Handle(err)
		return m
	}

	if _, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, int64(t.activeCount()))
		return nil
	}, active); err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *trackerMetrics) recordCycle(ctx context.Context, events []models.RoamingEvent) {
	if m.events == nil {
		return
	}

	for i := range events {
		m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(events[i].Reason))))
	}
}

func (m *trackerMetrics) recordDrop(ctx context.Context) {
	if m.dropped != nil {
		m.dropped.Add(ctx, 1)
	}
}
