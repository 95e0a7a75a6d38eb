package credentials

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fleetradar.credentials"

type resolverMetrics struct {
	fetches   metric.Int64Counter
	cacheHits metric.Int64Counter
	latency   metric.Float64Histogram
}

func newResolverMetrics(mp metric.MeterProvider) *resolverMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &resolverMetrics{}

	var err error

	if m.fetches, err = meter.Int64Counter(
		"fleetradar_credential_fetches_total",
		metric.WithDescription("Vault fetches performed by the credential resolver"),
	); err != nil {
		otel.Handle(err)
	}

	if m.cacheHits, err = meter.Int64Counter(
		"fleetradar_credential_cache_hits_total",
		metric.WithDescription("Credential resolutions served from cache"),
	); err != nil {
		otel.Handle(err)
	}

	if m.latency, err = meter.Float64Histogram(
		"fleetradar_credential_fetch_seconds",
		metric.WithDescription("Vault fetch latency including retries"),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *resolverMetrics) recordFetch(ctx context.Context, err error, elapsed time.Duration) {
	outcome := "success"

	switch {
	case err == nil:
	case IsFatal(err):
		outcome = "fatal"
	default:
		outcome = "unavailable"
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	if m.fetches != nil {
		m.fetches.Add(ctx, 1, attrs)
	}

	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *resolverMetrics) recordCacheHit(ctx context.Context) {
	if m.cacheHits != nil {
		m.cacheHits.Add(ctx, 1)
	}
}
