package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	registryMeterName         = "fleetradar.registry"
	metricGatewayCountName    = "fleetradar_registry_gateways"
	metricLastDiscoveryTSName = "fleetradar_registry_last_discovery_timestamp_ms"
)

// registerMetrics exposes gateway counts per health state as observable
// gauges read straight from the registry on each collection.
func registerMetrics(mp metric.MeterProvider, r *Registry) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(registryMeterName)

	gateways, err := meter.Int64ObservableGauge(
		metricGatewayCountName,
		metric.WithDescription("Number of known gateways by health state"),
	)
	if err != nil {
		otel.Handle(err)
		return
	}

	lastDiscovery, err := meter.Int64ObservableGauge(
		metricLastDiscoveryTSName,
		metric.WithDescription("Unix epoch milliseconds of the last discovery run"),
	)
	if err != nil {
		otel.Handle(err)
		return
	}

	_, err = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := r.Stats()

		for _, state := range []models.HealthState{models.HealthHealthy, models.HealthDegraded, models.HealthUnreachable} {
			observer.ObserveInt64(gateways, int64(stats.ByHealth[state]),
				metric.WithAttributes(attribute.String("health", string(state))))
		}

		if !stats.LastDiscovery.IsZero() {
			observer.ObserveInt64(lastDiscovery, stats.LastDiscovery.UnixMilli())
		}

		return nil
	}, gateways, lastDiscovery)
	if err != nil {
		otel.Handle(err)
	}
}
