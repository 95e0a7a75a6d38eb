package db

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fleetradar.db"

type storeMetrics struct {
	retries  metric.Int64Counter
	failures metric.Int64Counter
}

func newStoreMetrics(mp metric.MeterProvider) *storeMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &storeMetrics{}

	var err error

	if m.retries, err = meter.Int64Counter(
		"fleetradar_cnpg_batch_retries_total",
		metric.WithDescription("Batches re-sent after a transient CNPG error"),
	); err != nil {
		otel.Handle(err)
	}

	if m.failures, err = meter.Int64Counter(
		"fleetradar_cnpg_batch_failures_total",
		metric.WithDescription("Batches that failed after all retries"),
	); err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *storeMetrics) recordRetry(ctx context.Context, batch, sqlstate string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("batch", batch),
			attribute.String("sqlstate", sqlstate),
		))
	}
}

func (m *storeMetrics) recordFailure(ctx context.Context, batch, sqlstate string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("batch", batch),
			attribute.String("sqlstate", sqlstate),
		))
	}
}
