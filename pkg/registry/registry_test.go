package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/carverauto/fleetradar/pkg/discovery"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

type staticStrategy struct {
	name  string
	kind  discovery.Kind
	found []models.GatewayDescriptor
	err   error
	delay time.Duration
}

func (s *staticStrategy) Name() string          { return s.name }
func (s *staticStrategy) Kind() discovery.Kind { return s.kind }

func (s *staticStrategy) Discover(ctx context.Context, timeout time.Duration) ([]models.GatewayDescriptor, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-time.After(timeout):
			return nil, context.DeadlineExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]models.GatewayDescriptor, len(s.found))
	for i := range s.found {
		out[i] = s.found[i].Clone()
	}

	return out, s.err
}

func gw(host string, serial string, tag string) models.GatewayDescriptor {
	return models.GatewayDescriptor{
		Hostname:     host,
		Port:         161,
		Serial:       serial,
		Capabilities: []models.Capability{models.CapabilityProbe},
		DiscoveredBy: []string{tag},
	}
}

func newRegistry(strategies ...discovery.Strategy) *Registry {
	return New(strategies, time.Second, logger.NewTestLogger())
}

func ids(gws []models.GatewayDescriptor) []string {
	out := make([]string, len(gws))
	for i := range gws {
		out[i] = gws[i].ID
	}

	return out
}

func TestDiscover_MergesStrategiesByIdentity(t *testing.T) {
	hostname := &staticStrategy{name: "hostname", kind: discovery.KindHostname, found: []models.GatewayDescriptor{
		gw("192.168.178.1", "", "hostname"),
	}}
	mdns := &staticStrategy{name: "mdns", kind: discovery.KindBroadcast, found: []models.GatewayDescriptor{
		gw("192.168.178.1", "AVM-1", "mdns"),
		gw("192.168.178.3", "REP-1", "mdns"),
	}}
	sweep := &staticStrategy{name: "snmp_sweep", kind: discovery.KindSubnetSweep, found: []models.GatewayDescriptor{
		gw("192.168.178.3", "REP-1", "snmp_sweep"),
	}}

	r := newRegistry(hostname, mdns, sweep)

	got, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.178.1:161", "serial:REP-1"}, ids(got))

	first, err := r.Get("192.168.178.1:161")
	require.NoError(t, err)
	assert.Equal(t, "AVM-1", first.Serial, "serial learned later keeps the original ID")
	assert.ElementsMatch(t, []string{"hostname", "mdns"}, first.DiscoveredBy)

	rep, err := r.Get("serial:REP-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mdns", "snmp_sweep"}, rep.DiscoveredBy)
}

func TestDiscover_Idempotent(t *testing.T) {
	s := &staticStrategy{name: "sweep", kind: discovery.KindSubnetSweep, found: []models.GatewayDescriptor{
		gw("10.0.0.1", "", "sweep"),
		gw("10.0.0.2", "SER-2", "sweep"),
	}}
	r := newRegistry(s)

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	applied := r.RecordHealth(HealthUpdate{
		GatewayID:               "10.0.0.1:161",
		Health:                  models.HealthDegraded,
		ConsecutiveSoftFailures: 1,
		ConsecutiveSuccesses:    0,
		CheckedAt:               time.Now(),
	})
	require.Equal(t, 1, applied)

	before := r.List(nil)

	_, err = r.Discover(context.Background())
	require.NoError(t, err)

	after := r.List(nil)
	require.Equal(t, ids(before), ids(after))

	for i := range before {
		assert.Equal(t, before[i].Health, after[i].Health)
		assert.Equal(t, before[i].ConsecutiveSoftFailures, after[i].ConsecutiveSoftFailures)
		assert.Equal(t, before[i].ConsecutiveHardFailures, after[i].ConsecutiveHardFailures)
		assert.Equal(t, before[i].ConsecutiveSuccesses, after[i].ConsecutiveSuccesses)
		assert.Equal(t, before[i].FirstSeen, after[i].FirstSeen)
	}

	assert.Equal(t, 2, r.Stats().Total)
}

func TestDiscover_FailingStrategyDoesNotFailOthers(t *testing.T) {
	bad := &staticStrategy{name: "mdns", kind: discovery.KindBroadcast, err: errors.New("socket closed")}
	slow := &staticStrategy{name: "sweep", kind: discovery.KindSubnetSweep, delay: time.Hour}
	good := &staticStrategy{name: "hostname", kind: discovery.KindHostname, found: []models.GatewayDescriptor{gw("fritz.box", "", "hostname")}}

	r := New([]discovery.Strategy{bad, slow, good}, 50*time.Millisecond, logger.NewTestLogger())

	got, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fritz.box:161"}, ids(got))
	assert.False(t, r.Stats().LastDiscovery.IsZero())
}

// stuckStrategy ignores its context and timeout until release is closed.
type stuckStrategy struct {
	release chan struct{}
}

func (s *stuckStrategy) Name() string          { return "stuck" }
func (s *stuckStrategy) Kind() discovery.Kind { return discovery.KindSubnetSweep }

func (s *stuckStrategy) Discover(context.Context, time.Duration) ([]models.GatewayDescriptor, error) {
	<-s.release

	return []models.GatewayDescriptor{gw("10.9.9.9", "", "sweep")}, nil
}

func TestDiscover_AbandonsStrategyIgnoringTimeout(t *testing.T) {
	stuck := &stuckStrategy{release: make(chan struct{})}
	defer close(stuck.release)

	good := &staticStrategy{name: "hostname", kind: discovery.KindHostname, found: []models.GatewayDescriptor{gw("fritz.box", "", "hostname")}}
	r := New([]discovery.Strategy{stuck, good}, 50*time.Millisecond, logger.NewTestLogger())

	type result struct {
		got []models.GatewayDescriptor
		err error
	}

	done := make(chan result, 1)

	go func() {
		got, err := r.Discover(context.Background())
		done <- result{got, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, []string{"fritz.box:161"}, ids(res.got))
	case <-time.After(2 * time.Second):
		t.Fatal("Discover did not return after the strategy timeout")
	}
}

func TestDiscover_AllStrategiesFailed(t *testing.T) {
	r := newRegistry(&staticStrategy{name: "mdns", err: errors.New("boom")})

	_, err := r.Discover(context.Background())
	require.ErrorIs(t, err, ErrAllStrategiesFailed)
}

func TestDiscover_KeepsPartialResultsOfFailingStrategy(t *testing.T) {
	partial := &staticStrategy{
		name:  "sweep",
		found: []models.GatewayDescriptor{gw("10.0.0.1", "", "sweep")},
		err:   context.DeadlineExceeded,
	}
	r := newRegistry(partial)

	got, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsert_PreservesHealthUnlessReset(t *testing.T) {
	r := newRegistry()

	created, err := r.Upsert(gw("10.0.0.1", "", "static"), UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, created.Health)

	r.RecordHealth(HealthUpdate{GatewayID: created.ID, Health: models.HealthUnreachable, ConsecutiveHardFailures: 0})

	updated, err := r.Upsert(gw("10.0.0.1", "", "static"), UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnreachable, updated.Health)

	reset, err := r.Upsert(gw("10.0.0.1", "", "static"), UpsertOptions{ResetHealth: true})
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, reset.Health)
	assert.Equal(t, created.ID, reset.ID)
}

func TestUpsert_DiscoveryKeepsOperatorFields(t *testing.T) {
	r := newRegistry()

	seed := models.GatewaySeed{Hostname: "10.0.0.1", Nickname: "Office", Priority: 5, SecretRef: "routers/office"}
	require.NoError(t, r.Seed([]models.GatewaySeed{seed}))

	found := gw("10.0.0.1", "SER-1", "sweep")
	found.Nickname = "fritzbox-7590"

	merged, err := r.Upsert(found, UpsertOptions{Discovered: true})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:161", merged.ID)
	assert.Equal(t, "Office", merged.Nickname)
	assert.Equal(t, 5, merged.Priority)
	assert.Equal(t, "routers/office", merged.SecretRef)
	assert.Equal(t, "SER-1", merged.Serial)
	assert.ElementsMatch(t, []string{"static", "sweep"}, merged.DiscoveredBy)
}

func TestUpsert_SerialFollowsAddressChange(t *testing.T) {
	r := newRegistry()

	first, err := r.Upsert(gw("10.0.0.1", "SER-1", "mdns"), UpsertOptions{Discovered: true})
	require.NoError(t, err)

	moved, err := r.Upsert(gw("10.0.0.9", "SER-1", "mdns"), UpsertOptions{Discovered: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, moved.ID)
	assert.Equal(t, "10.0.0.9", moved.Hostname)

	// The old address is free for a different device.
	other, err := r.Upsert(gw("10.0.0.1", "", "sweep"), UpsertOptions{Discovered: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, r.Stats().Total)
}

func TestUpsert_DifferentSerialOnSameAddressIsNewGateway(t *testing.T) {
	r := newRegistry()

	a, err := r.Upsert(gw("10.0.0.1", "A", "mdns"), UpsertOptions{Discovered: true})
	require.NoError(t, err)

	b, err := r.Upsert(gw("10.0.0.1", "B", "mdns"), UpsertOptions{Discovered: true})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "serial:B", b.ID)
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	r := newRegistry()

	_, err := r.Upsert(models.GatewayDescriptor{}, UpsertOptions{})
	require.ErrorIs(t, err, models.ErrMissingHostname)

	_, err = r.Upsert(models.GatewayDescriptor{Hostname: "x", Port: 70000}, UpsertOptions{})
	require.ErrorIs(t, err, models.ErrInvalidPort)
}

func TestList_ReturnsCopiesAndFilters(t *testing.T) {
	r := newRegistry()

	a, err := r.Upsert(models.GatewayDescriptor{Hostname: "a", Capabilities: []models.Capability{models.CapabilityListDevices}}, UpsertOptions{})
	require.NoError(t, err)
	b, err := r.Upsert(models.GatewayDescriptor{Hostname: "b"}, UpsertOptions{})
	require.NoError(t, err)

	r.RecordHealth(HealthUpdate{GatewayID: b.ID, Health: models.HealthDegraded})

	list := r.List(nil)
	list[0].Health = models.HealthUnreachable
	list[0].Capabilities[0] = models.CapabilityMesh

	fresh, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, fresh.Health)
	assert.Equal(t, models.CapabilityListDevices, fresh.Capabilities[0])

	assert.Equal(t, []string{b.ID}, ids(r.List(&Filter{Health: []models.HealthState{models.HealthDegraded}})))
	assert.Equal(t, []string{a.ID}, ids(r.List(&Filter{Capability: models.CapabilityListDevices})))
	assert.Equal(t, []string{a.ID}, ids(r.List(&Filter{IDs: []string{a.ID, "missing"}})))

	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrGatewayNotFound)
}

func TestByPriority(t *testing.T) {
	r := newRegistry()

	for _, seed := range []models.GatewaySeed{
		{Hostname: "c", Priority: 2},
		{Hostname: "b", Priority: 1},
		{Hostname: "a", Priority: 1},
	} {
		require.NoError(t, r.Seed([]models.GatewaySeed{seed}))
	}

	assert.Equal(t, []string{"a:161", "b:161", "c:161"}, ids(r.ByPriority()))
}

func TestRecordHealth_LearnsSerialWithoutChangingID(t *testing.T) {
	r := newRegistry()

	g, err := r.Upsert(gw("10.0.0.1", "", "static"), UpsertOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, r.RecordHealth(HealthUpdate{GatewayID: "unknown"}))
	r.RecordHealth(HealthUpdate{GatewayID: g.ID, Health: models.HealthHealthy, Serial: "SER-9", Firmware: "7.57"})

	again, err := r.Upsert(gw("10.0.0.77", "SER-9", "mdns"), UpsertOptions{Discovered: true})
	require.NoError(t, err)
	assert.Equal(t, g.ID, again.ID)
	assert.Equal(t, "7.57", again.Firmware)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newRegistry()

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			host := []string{"a", "b", "c", "d"}[i%4]
			g, err := r.Upsert(models.GatewayDescriptor{Hostname: host}, UpsertOptions{Discovered: true})
			assert.NoError(t, err)
			r.RecordHealth(HealthUpdate{GatewayID: g.ID, Health: models.HealthHealthy})
			_ = r.List(nil)
			_ = r.ByPriority()
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 4, r.Stats().Total)
}

func TestMetrics_ObserveGatewayCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	r := New(nil, time.Second, logger.NewTestLogger(), WithMeterProvider(mp))
	require.NoError(t, r.Seed([]models.GatewaySeed{{Hostname: "a"}, {Hostname: "b"}}))
	r.RecordHealth(HealthUpdate{GatewayID: "b:161", Health: models.HealthUnreachable})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != metricGatewayCountName {
				continue
			}

			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)

			for _, dp := range gauge.DataPoints {
				state, _ := dp.Attributes.Value("health")
				counts[state.AsString()] = dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), counts["healthy"])
	assert.Equal(t, int64(1), counts["unreachable"])
	assert.Equal(t, int64(0), counts["degraded"])
}
