package health

import (
	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/models"
)

// Counters is the hysteresis state of one gateway.
type Counters struct {
	State     models.HealthState
	Soft      int
	Hard      int
	Successes int
}

// CountersOf extracts the hysteresis state from a descriptor. An unset health
// is treated as Healthy, the initial state.
func CountersOf(g *models.GatewayDescriptor) Counters {
	state := g.Health
	if !state.Valid() {
		state = models.HealthHealthy
	}

	return Counters{
		State:     state,
		Soft:      g.ConsecutiveSoftFailures,
		Hard:      g.ConsecutiveHardFailures,
		Successes: g.ConsecutiveSuccesses,
	}
}

// Thresholds parameterise Apply.
type Thresholds struct {
	SoftFail int
	Recovery int
}

// Apply advances the state machine by one classified outcome. It reports
// whether the state changed; every change zeroes all counters.
//
//	success: failures reset, successes++; Degraded|Unreachable -> Healthy at Recovery
//	soft:    soft++, successes reset; Healthy -> Degraded at SoftFail
//	hard:    hard++, successes reset; Healthy|Degraded -> Unreachable at once
func Apply(c Counters, outcome gateway.FailureClass, t Thresholds) (Counters, bool) {
	next := c

	switch outcome {
	case gateway.ClassSuccess:
		next.Soft, next.Hard = 0, 0
		next.Successes++

		if c.State != models.HealthHealthy && next.Successes >= t.Recovery {
			return Counters{State: models.HealthHealthy}, true
		}
	case gateway.ClassSoft:
		next.Soft++
		next.Successes = 0

		if c.State == models.HealthHealthy && next.Soft >= t.SoftFail {
			return Counters{State: models.HealthDegraded}, true
		}
	case gateway.ClassHard:
		next.Hard++
		next.Successes = 0

		if c.State != models.HealthUnreachable {
			return Counters{State: models.HealthUnreachable}, true
		}
	}

	return next, false
}
