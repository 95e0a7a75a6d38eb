package roaming

import (
	"slices"
	"strings"
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
)

// Trend is the direction of a session's recent signal readings.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// GatewayStats counts associations per gateway.
type GatewayStats struct {
	GatewayID   string `json:"gateway_id"`
	Connections int    `json:"connections"`
	Active      int    `json:"active"`
	RoamingIn   int    `json:"roaming_in"`
	RoamingOut  int    `json:"roaming_out"`
}

// SignalTrend compares the older and newer half of the last ten samples.
func SignalTrend(sess *models.DeviceSession) Trend {
	samples := sess.SignalHistory
	if len(samples) > trendWindow {
		samples = samples[len(samples)-trendWindow:]
	}

	if len(samples) < 2 {
		return TrendStable
	}

	half := len(samples) / 2
	first := meanSignal(samples[:half])
	second := meanSignal(samples[half:])

	switch {
	case second > first+trendMargin:
		return TrendImproving
	case second < first-trendMargin:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// classifyTrigger guesses why a device left sess for a gateway it reports
// newSignal on. Checks run in order: weak signal, degrading signal, better
// signal elsewhere, short dwell.
func classifyTrigger(sess *models.DeviceSession, newSignal int, ts time.Time) models.RoamingTrigger {
	avg := averageSignal(sess)

	switch {
	case avg < weakSignalThreshold:
		return models.TriggerWeakSignal
	case SignalTrend(sess) == TrendDegrading:
		return models.TriggerSignalDegrading
	case float64(newSignal) > avg+betterSignalMargin:
		return models.TriggerBetterSignal
	case sess.Dwell(ts) < quickHandoverDwell:
		return models.TriggerQuickHandover
	default:
		return models.TriggerUnknown
	}
}

func averageSignal(sess *models.DeviceSession) float64 {
	if len(sess.SignalHistory) == 0 {
		return float64(sess.SignalStrength)
	}

	return meanSignal(sess.SignalHistory)
}

func meanSignal(samples []models.SignalSample) float64 {
	if len(samples) == 0 {
		return 0
	}

	sum := 0

	for _, s := range samples {
		sum += s.Strength
	}

	return float64(sum) / float64(len(samples))
}

// mobilityPattern rates a device by its handovers per hour over the last day.
func mobilityPattern(handoversLastDay int) models.MobilityPattern {
	perHour := float64(handoversLastDay) / mobilityWindow.Hours()

	switch {
	case perHour > 2:
		return models.MobilityHighlyMobile
	case perHour > 0.5:
		return models.MobilityMobile
	default:
		return models.MobilityStatic
	}
}

func averageDwell(dwells []time.Duration) time.Duration {
	if len(dwells) == 0 {
		return 0
	}

	var sum time.Duration

	for _, d := range dwells {
		sum += d
	}

	return sum / time.Duration(len(dwells))
}

// GatewayStats returns per-gateway association counters, ordered by ID.
func (t *Tracker) GatewayStats() []GatewayStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]GatewayStats, 0, len(t.stats))
	for _, gs := range t.stats {
		out = append(out, *gs)
	}

	slices.SortFunc(out, func(a, b GatewayStats) int { return strings.Compare(a.GatewayID, b.GatewayID) })

	return out
}
