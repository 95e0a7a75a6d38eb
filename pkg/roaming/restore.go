package roaming

import (
	"errors"
	"slices"
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
)

var errRestoreAfterCycle = errors.New("sessions can only be restored before the first cycle")

// Restore loads connected sessions persisted by a previous run. It must be
// called before the first cycle. Devices already tracked and sessions
// without a gateway are skipped. No events are emitted; the next cycle
// continues each session as if it had never stopped. Later cycles must be
// timestamped after every restored LastSeenAt.
func (t *Tracker) Restore(sessions []models.DeviceSession) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil || !t.lastCycle.IsZero() {
		return 0, errRestoreAfterCycle
	}

	restored := 0

	for i := range sessions {
		sess := sessions[i].Clone()

		mac, err := models.NormalizeMAC(sess.MAC)
		if err != nil || !sess.Connected() {
			continue
		}

		if _, ok := t.devices[mac]; ok {
			continue
		}

		sess.MAC = mac
		sess.EndedAt = time.Time{}
		sess.EndReason = ""

		if len(sess.SignalHistory) == 0 && !sess.LastSeenAt.IsZero() {
			sess.SignalHistory = []models.SignalSample{{At: sess.LastSeenAt, Strength: sess.SignalStrength}}
		}

		st := &deviceState{
			session: sess,
			profile: models.MobilityProfile{
				MAC:               mac,
				MobilityPattern:   models.MobilityStatic,
				PreferredGateways: []string{sess.CurrentGatewayID},
				LastUpdated:       sess.LastSeenAt,
			},
			lastEvent: sess.ConnectedSince,
		}

		t.devices[mac] = st

		gs := t.gatewayStats(sess.CurrentGatewayID)
		gs.Connections++
		gs.Active++

		if sess.LastSeenAt.After(t.lastCycle) {
			t.lastCycle = sess.LastSeenAt
		}

		restored++
	}

	if restored > 0 {
		t.logger.Info().
			Int("sessions", restored).
			Strs("gateways", restoredGateways(t.devices)).
			Msg("Restored device sessions")
	}

	return restored, nil
}

func restoredGateways(devices map[string]*deviceState) []string {
	var ids []string

	for _, st := range devices {
		if id := st.session.CurrentGatewayID; id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}
