package roaming

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	deviceA = "AA:BB:CC:DD:EE:01"
	deviceB = "AA:BB:CC:DD:EE:02"
)

var (
	base       = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	twoRouters = []CycleGateway{{ID: "G1", Priority: 1}, {ID: "G2", Priority: 2}}
)

func cycleAt(n int) time.Time {
	return base.Add(time.Duration(n) * 30 * time.Second)
}

func newTracker(t *testing.T, cfg Config, opts ...Option) *Tracker {
	t.Helper()

	require.NoError(t, cfg.Validate())

	return NewTracker(cfg, logger.NewTestLogger(), opts...)
}

func seen(mac string, signal int) models.DeviceSnapshot {
	return models.DeviceSnapshot{MAC: mac, SignalStrength: signal}
}

// runCycle has every gateway in gws report; gateways absent from reports
// report an empty list.
func runCycle(t *testing.T, tr *Tracker, ts time.Time, gws []CycleGateway, reports map[string][]models.DeviceSnapshot) CycleResult {
	t.Helper()

	require.NoError(t, tr.BeginCycle(ts, gws))

	for _, g := range gws {
		require.NoError(t, tr.Ingest(g.ID, reports[g.ID], ts))
	}

	res, err := tr.Correlate(context.Background())
	require.NoError(t, err)

	return res
}

func TestScenarioB_Handover(t *testing.T) {
	tr := newTracker(t, Config{})

	for n := 1; n <= 5; n++ {
		res := runCycle(t, tr, cycleAt(n), twoRouters, map[string][]models.DeviceSnapshot{
			"G1": {seen("aa:bb:cc:dd:ee:01", -45)},
		})

		if n == 1 {
			require.Len(t, res.Events, 1)
			assert.Equal(t, models.ReasonInitialConnect, res.Events[0].Reason)
			assert.Empty(t, res.Events[0].FromGatewayID)
		} else {
			assert.Empty(t, res.Events)
		}
	}

	res := runCycle(t, tr, cycleAt(6), twoRouters, map[string][]models.DeviceSnapshot{
		"G2": {seen(deviceA, -50)},
	})

	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, deviceA, ev.MAC)
	assert.Equal(t, "G1", ev.FromGatewayID)
	assert.Equal(t, "G2", ev.ToGatewayID)
	assert.Equal(t, models.ReasonHandover, ev.Reason)
	assert.Equal(t, cycleAt(6), ev.Timestamp)
	assert.Equal(t, -45, ev.SignalBefore)
	assert.Equal(t, -50, ev.SignalAfter)
	assert.Equal(t, 150*time.Second, ev.DwellBefore)
	assert.Equal(t, models.TriggerUnknown, ev.Trigger)
	assert.NotEmpty(t, ev.ID)

	profile, err := tr.MobilityReport(deviceA)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.HandoverCount)
	assert.Equal(t, []time.Duration{150 * time.Second}, profile.DwellTimes)
	assert.Equal(t, []string{"G1", "G2"}, profile.PreferredGateways)

	history := tr.History(deviceA)
	require.Len(t, history, 1)
	assert.Equal(t, "G1", history[0].CurrentGatewayID)
	assert.Equal(t, models.SessionEndHandover, history[0].EndReason)

	sess, ok := tr.Session(deviceA)
	require.True(t, ok)
	assert.Equal(t, "G2", sess.CurrentGatewayID)
	assert.Equal(t, cycleAt(6), sess.ConnectedSince)

	assert.Equal(t, []GatewayStats{
		{GatewayID: "G1", Connections: 1, RoamingOut: 1},
		{GatewayID: "G2", Connections: 1, Active: 1, RoamingIn: 1},
	}, tr.GatewayStats())
}

func TestScenarioC_AmbiguousKeepsStrongerCurrentGateway(t *testing.T) {
	tr := newTracker(t, Config{})

	runCycle(t, tr, cycleAt(9), twoRouters, map[string][]models.DeviceSnapshot{
		"G2": {seen(deviceA, -42)},
	})

	res := runCycle(t, tr, cycleAt(10), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -60)},
		"G2": {seen(deviceA, -40)},
	})

	assert.Empty(t, res.Events)

	sess, ok := tr.Session(deviceA)
	require.True(t, ok)
	assert.Equal(t, "G2", sess.CurrentGatewayID)
	assert.True(t, sess.Ambiguous)
	assert.Equal(t, -40, sess.SignalStrength)

	// A clean single observation clears the flag.
	runCycle(t, tr, cycleAt(11), twoRouters, map[string][]models.DeviceSnapshot{
		"G2": {seen(deviceA, -41)},
	})

	sess, _ = tr.Session(deviceA)
	assert.False(t, sess.Ambiguous)
}

func TestAmbiguousResolutionMovesSession(t *testing.T) {
	tr := newTracker(t, Config{})

	runCycle(t, tr, cycleAt(1), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -70)},
	})

	res := runCycle(t, tr, cycleAt(2), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -72)},
		"G2": {seen(deviceA, -48)},
	})

	require.Len(t, res.Events, 1)
	assert.Equal(t, models.ReasonAmbiguousResolution, res.Events[0].Reason)
	assert.Equal(t, "G1", res.Events[0].FromGatewayID)
	assert.Equal(t, "G2", res.Events[0].ToGatewayID)
	assert.Equal(t, models.TriggerBetterSignal, res.Events[0].Trigger)

	profile, err := tr.MobilityReport(deviceA)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.HandoverCount)
}

func TestTieBreak(t *testing.T) {
	t.Run("lower priority value wins on equal signal", func(t *testing.T) {
		tr := newTracker(t, Config{})
		gws := []CycleGateway{{ID: "A", Priority: 5}, {ID: "B", Priority: 1}}

		res := runCycle(t, tr, cycleAt(1), gws, map[string][]models.DeviceSnapshot{
			"A": {seen(deviceA, -50)},
			"B": {seen(deviceA, -50)},
		})

		require.Len(t, res.Events, 1)
		assert.Equal(t, "B", res.Events[0].ToGatewayID)
		assert.Equal(t, models.ReasonAmbiguousResolution, res.Events[0].Reason)
	})

	t.Run("lower ID wins on equal signal and priority", func(t *testing.T) {
		tr := newTracker(t, Config{})
		gws := []CycleGateway{{ID: "Z"}, {ID: "M"}}

		res := runCycle(t, tr, cycleAt(1), gws, map[string][]models.DeviceSnapshot{
			"Z": {seen(deviceA, -50)},
			"M": {seen(deviceA, -50)},
		})

		require.Len(t, res.Events, 1)
		assert.Equal(t, "M", res.Events[0].ToGatewayID)
	})
}

func TestScenarioD_Disappearance(t *testing.T) {
	tr := newTracker(t, Config{DisappearanceThreshold: 3})

	for n := 1; n <= 10; n++ {
		runCycle(t, tr, cycleAt(n), twoRouters, map[string][]models.DeviceSnapshot{
			"G1": {seen(deviceA, -55)},
		})
	}

	for n := 11; n <= 12; n++ {
		res := runCycle(t, tr, cycleAt(n), twoRouters, nil)
		assert.Empty(t, res.Events)

		sess, ok := tr.Session(deviceA)
		require.True(t, ok)
		assert.Equal(t, "G1", sess.CurrentGatewayID)
		assert.Equal(t, n-10, sess.AbsentCycles)
	}

	res := runCycle(t, tr, cycleAt(13), twoRouters, nil)
	assert.Empty(t, res.Events)
	require.Len(t, res.Sessions, 1)
	assert.False(t, res.Sessions[0].Connected())
	assert.Equal(t, models.SessionEndDisconnected, res.Sessions[0].EndReason)

	assert.Empty(t, tr.ActiveSessions())

	history := tr.History(deviceA)
	require.Len(t, history, 1)
	assert.Equal(t, models.SessionEndDisconnected, history[0].EndReason)
	assert.Equal(t, cycleAt(13), history[0].EndedAt)
	assert.Equal(t, 6*time.Minute, history[0].Dwell(history[0].EndedAt))

	profile, err := tr.MobilityReport(deviceA)
	require.NoError(t, err)
	assert.Zero(t, profile.HandoverCount)
	assert.Equal(t, []time.Duration{6 * time.Minute}, profile.DwellTimes)
	assert.Equal(t, 6*time.Minute, profile.AverageDwell)

	// Coming back is a fresh connection, not a handover.
	res = runCycle(t, tr, cycleAt(14), twoRouters, map[string][]models.DeviceSnapshot{
		"G2": {seen(deviceA, -50)},
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.ReasonInitialConnect, res.Events[0].Reason)
	assert.Empty(t, res.Events[0].FromGatewayID)
}

func TestMissingGatewayDoesNotCountAbsence(t *testing.T) {
	tr := newTracker(t, Config{DisappearanceThreshold: 2})

	runCycle(t, tr, cycleAt(1), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -50)},
		"G2": {seen(deviceB, -50)},
	})

	for n := 2; n <= 6; n++ {
		require.NoError(t, tr.BeginCycle(cycleAt(n), twoRouters))
		require.NoError(t, tr.Ingest("G2", nil, cycleAt(n)))
		assert.Equal(t, []string{"G1"}, tr.Pending())

		res, err := tr.Correlate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"G1"}, res.Missing)
		assert.Equal(t, []string{"G2"}, res.Reported)
	}

	sess, ok := tr.Session(deviceA)
	require.True(t, ok)
	assert.True(t, sess.Connected())
	assert.Zero(t, sess.AbsentCycles)

	// deviceB's gateway did report, without it.
	sess, ok = tr.Session(deviceB)
	require.True(t, ok)
	assert.False(t, sess.Connected())
}

func TestIngest_Validation(t *testing.T) {
	tr := newTracker(t, Config{})

	require.ErrorIs(t, tr.Ingest("G1", nil, cycleAt(1)), ErrNoCycle)

	_, err := tr.Correlate(context.Background())
	require.ErrorIs(t, err, ErrNoCycle)

	require.NoError(t, tr.BeginCycle(cycleAt(1), twoRouters))
	require.ErrorIs(t, tr.BeginCycle(cycleAt(2), twoRouters), ErrCycleOpen)
	require.ErrorIs(t, tr.Ingest("G1", nil, cycleAt(0)), ErrCycleMismatch)
	require.ErrorIs(t, tr.Ingest("G9", nil, cycleAt(1)), ErrUnexpectedGateway)
	require.NoError(t, tr.Ingest("G1", []models.DeviceSnapshot{
		seen("not-a-mac", -40),
		seen("aabbccddee01", -70),
		seen("AA-BB-CC-DD-EE-01", -60),
	}, cycleAt(1)))
	require.ErrorIs(t, tr.Ingest("G1", nil, cycleAt(1)), ErrDuplicateReport)

	res, err := tr.Correlate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Events, 1)
	assert.Equal(t, deviceA, res.Events[0].MAC)
	assert.Equal(t, -60, res.Events[0].SignalAfter)

	require.ErrorIs(t, tr.BeginCycle(cycleAt(1), twoRouters), ErrStaleCycle)
}

// Random observations never produce two sessions for one MAC or a
// non-increasing event sequence.
func TestCorrelate_Invariants(t *testing.T) {
	tr := newTracker(t, Config{DisappearanceThreshold: 2})
	rng := rand.New(rand.NewPCG(7, 11))

	gws := []CycleGateway{{ID: "G1", Priority: 1}, {ID: "G2", Priority: 1}, {ID: "G3", Priority: 2}}
	macs := []string{deviceA, deviceB, "AA:BB:CC:DD:EE:03", "AA:BB:CC:DD:EE:04"}

	for n := 1; n <= 200; n++ {
		reports := map[string][]models.DeviceSnapshot{}

		for _, mac := range macs {
			for _, g := range gws {
				if rng.IntN(3) == 0 {
					reports[g.ID] = append(reports[g.ID], seen(mac, -30-rng.IntN(60)))
				}
			}
		}

		runCycle(t, tr, cycleAt(n), gws, reports)

		seenMAC := map[string]bool{}
		for _, s := range tr.ActiveSessions() {
			require.False(t, seenMAC[s.MAC], "two sessions for %s", s.MAC)
			seenMAC[s.MAC] = true
		}
	}

	last := map[string]time.Time{}

	for _, ev := range tr.Events(time.Time{}) {
		if prev, ok := last[ev.MAC]; ok {
			require.True(t, ev.Timestamp.After(prev), "events of %s out of order", ev.MAC)
		}

		last[ev.MAC] = ev.Timestamp
	}

	assert.NotEmpty(t, last)
}

func TestEventsSince(t *testing.T) {
	tr := newTracker(t, Config{DisappearanceThreshold: 1})

	runCycle(t, tr, cycleAt(1), twoRouters, map[string][]models.DeviceSnapshot{"G1": {seen(deviceA, -50)}})
	runCycle(t, tr, cycleAt(2), twoRouters, map[string][]models.DeviceSnapshot{"G2": {seen(deviceA, -50)}})
	runCycle(t, tr, cycleAt(3), twoRouters, map[string][]models.DeviceSnapshot{"G1": {seen(deviceA, -50)}})

	assert.Len(t, tr.Events(time.Time{}), 3)
	assert.Len(t, tr.Events(cycleAt(2)), 2)
	assert.Empty(t, tr.Events(cycleAt(4)))
}

func TestMobilityPatternFromHandovers(t *testing.T) {
	tr := newTracker(t, Config{})

	for n := 1; n <= 60; n++ {
		gw := "G1"
		if n%2 == 0 {
			gw = "G2"
		}

		runCycle(t, tr, cycleAt(n), twoRouters, map[string][]models.DeviceSnapshot{gw: {seen(deviceA, -50)}})
	}

	profile, err := tr.MobilityReport(deviceA)
	require.NoError(t, err)
	assert.Equal(t, 59, profile.HandoverCount)
	assert.Equal(t, models.MobilityHighlyMobile, profile.MobilityPattern)
	assert.Equal(t, 30*time.Second, profile.AverageDwell)

	reports := tr.MobilityReports()
	require.Len(t, reports, 1)
	assert.Equal(t, deviceA, reports[0].MAC)

	_, err = tr.MobilityReport("AA:BB:CC:DD:EE:99")
	require.Error(t, err)
}

func TestRetentionPrunesOldData(t *testing.T) {
	tr := newTracker(t, Config{
		DisappearanceThreshold: 1,
		HistoryRetention:       models.Duration(time.Hour),
		ProfileIdle:            models.Duration(time.Hour),
	})

	runCycle(t, tr, base, twoRouters, map[string][]models.DeviceSnapshot{"G1": {seen(deviceA, -50)}})
	runCycle(t, tr, base.Add(time.Minute), twoRouters, nil)
	require.Len(t, tr.History(deviceA), 1)

	runCycle(t, tr, base.Add(3*time.Hour), twoRouters, map[string][]models.DeviceSnapshot{"G2": {seen(deviceB, -50)}})

	assert.Len(t, tr.Events(time.Time{}), 1)
	assert.Empty(t, tr.History(deviceA))

	_, err := tr.MobilityReport(deviceA)
	require.Error(t, err)

	_, err = tr.MobilityReport(deviceB)
	require.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	tr := newTracker(t, Config{})

	_, err := tr.Subscribe(-1)
	require.Error(t, err)

	sub, err := tr.Subscribe(1)
	require.NoError(t, err)

	runCycle(t, tr, cycleAt(1), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -50), seen(deviceB, -50), seen("AA:BB:CC:DD:EE:03", -50)},
	})

	ev := <-sub.C
	assert.Equal(t, deviceA, ev.MAC)
	assert.Equal(t, uint64(2), sub.Dropped())

	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Closed subscriptions receive nothing and do not block the tracker.
	runCycle(t, tr, cycleAt(2), twoRouters, map[string][]models.DeviceSnapshot{"G2": {seen(deviceA, -50)}})
}

func TestClassifyTrigger(t *testing.T) {
	samples := func(values ...int) []models.SignalSample {
		out := make([]models.SignalSample, len(values))
		for i, v := range values {
			out[i] = models.SignalSample{At: cycleAt(i), Strength: v}
		}

		return out
	}

	tests := []struct {
		name    string
		history []models.SignalSample
		since   time.Time
		signal  int
		want    models.RoamingTrigger
	}{
		{"weak", samples(-85, -86, -84), cycleAt(0), -60, models.TriggerWeakSignal},
		{"degrading", samples(-50, -50, -50, -62, -62, -62), cycleAt(0), -60, models.TriggerSignalDegrading},
		{"better signal", samples(-60, -60, -60), cycleAt(0), -45, models.TriggerBetterSignal},
		{"quick", samples(-60), cycleAt(9), -65, models.TriggerQuickHandover},
		{"unknown", samples(-60, -61), cycleAt(0), -62, models.TriggerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &models.DeviceSession{ConnectedSince: tt.since, SignalHistory: tt.history}
			assert.Equal(t, tt.want, classifyTrigger(sess, tt.signal, cycleAt(10)))
		})
	}
}

func TestSignalTrend(t *testing.T) {
	mk := func(values ...int) *models.DeviceSession {
		s := &models.DeviceSession{}
		for _, v := range values {
			s.SignalHistory = append(s.SignalHistory, models.SignalSample{Strength: v})
		}

		return s
	}

	assert.Equal(t, TrendStable, SignalTrend(mk(-50)))
	assert.Equal(t, TrendImproving, SignalTrend(mk(-70, -70, -55, -55)))
	assert.Equal(t, TrendDegrading, SignalTrend(mk(-40, -40, -52, -52)))
	// Only the last ten samples count.
	assert.Equal(t, TrendStable, SignalTrend(mk(-90, -90, -90, -50, -50, -50, -50, -50, -50, -50, -50, -50, -50)))
}

func TestMobilityPatternThresholds(t *testing.T) {
	assert.Equal(t, models.MobilityStatic, mobilityPattern(0))
	assert.Equal(t, models.MobilityStatic, mobilityPattern(12))
	assert.Equal(t, models.MobilityMobile, mobilityPattern(13))
	assert.Equal(t, models.MobilityMobile, mobilityPattern(48))
	assert.Equal(t, models.MobilityHighlyMobile, mobilityPattern(49))
}

func TestTrackerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tr := newTracker(t, Config{}, WithMeterProvider(provider))

	runCycle(t, tr, cycleAt(1), twoRouters, map[string][]models.DeviceSnapshot{
		"G1": {seen(deviceA, -50), seen(deviceB, -50)},
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), values["fleetradar_roaming_events_total"])
	assert.Equal(t, int64(2), values["fleetradar_roaming_active_sessions"])
}
