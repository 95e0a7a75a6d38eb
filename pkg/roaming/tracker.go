/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package roaming correlates per-gateway device snapshots into one session
// per device and records every association change as a RoamingEvent.
package roaming

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

var (
	ErrNoCycle            = errors.New("no correlation cycle is open")
	ErrCycleOpen          = errors.New("a correlation cycle is already open")
	ErrStaleCycle         = errors.New("cycle timestamp is not after the previous cycle")
	ErrCycleMismatch      = errors.New("snapshot belongs to a different cycle")
	ErrUnexpectedGateway  = errors.New("gateway is not part of this cycle")
	ErrDuplicateReport    = errors.New("gateway already reported this cycle")
	errNoDeviceProfile    = errors.New("no mobility profile for device")
	errNegativeSubsBuffer = errors.New("subscription buffer must not be negative")
)

// Store persists what the tracker produces: events are appended, sessions
// are upserted by MAC.
type Store interface {
	AppendEvents(ctx context.Context, events []models.RoamingEvent) error
	UpsertSessions(ctx context.Context, sessions []models.DeviceSession) error
}

// CycleGateway is one gateway expected to report in a cycle.
type CycleGateway struct {
	ID       string
	Priority int
}

// CycleResult is the outcome of one correlation pass.
type CycleResult struct {
	Timestamp time.Time
	Events    []models.RoamingEvent
	// Sessions holds every session created, changed or closed this cycle.
	Sessions []models.DeviceSession
	Reported []string
	Missing  []string
	Dropped  int
}

type cycle struct {
	ts       time.Time
	expected map[string]int
	reports  map[string][]models.DeviceSnapshot
	dropped  int
}

type observation struct {
	gatewayID string
	priority  int
	snap      models.DeviceSnapshot
}

type deviceState struct {
	session   models.DeviceSession
	profile   models.MobilityProfile
	history   []models.DeviceSession
	handovers []time.Time
	lastEvent time.Time
}

// Tracker owns every device session. All mutation happens in Correlate under
// one mutex; readers get copies.
type Tracker struct {
	config Config
	logger logger.Logger
	newID  func() string

	mu        sync.Mutex
	devices   map[string]*deviceState
	events    []models.RoamingEvent
	stats     map[string]*GatewayStats
	current   *cycle
	lastCycle time.Time
	subs      map[uint64]*Subscription
	nextSub   uint64

	metrics *trackerMetrics
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithIDGenerator replaces uuid.NewString for event IDs.
func WithIDGenerator(f func() string) Option {
	return func(t *Tracker) { t.newID = f }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(t *Tracker) { t.metrics = newTrackerMetrics(mp, t) }
}

// NewTracker creates an empty tracker. cfg must be validated.
func NewTracker(cfg Config, log logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		config:  cfg,
		logger:  log,
		newID:   uuid.NewString,
		devices: make(map[string]*deviceState),
		stats:   make(map[string]*GatewayStats),
		subs:    make(map[uint64]*Subscription),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.metrics == nil {
		t.metrics = newTrackerMetrics(nil, t)
	}

	return t
}

// BeginCycle opens a correlation cycle at ts for the given gateways. Cycle
// timestamps must strictly increase, which keeps each device's events in
// strictly increasing time order.
func (t *Tracker) BeginCycle(ts time.Time, gateways []CycleGateway) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		return ErrCycleOpen
	}

	if !t.lastCycle.IsZero() && !ts.After(t.lastCycle) {
		return fmt.Errorf("%w: %s <= %s", ErrStaleCycle, ts.Format(time.RFC3339Nano), t.lastCycle.Format(time.RFC3339Nano))
	}

	c := &cycle{
		ts:       ts,
		expected: make(map[string]int, len(gateways)),
		reports:  make(map[string][]models.DeviceSnapshot, len(gateways)),
	}

	for _, g := range gateways {
		c.expected[g.ID] = g.Priority
	}

	t.current = c

	return nil
}

// Ingest buffers one gateway's snapshots for the open cycle. Snapshots with
// an invalid MAC are dropped; the rest of the report is kept. A MAC reported
// twice by one gateway keeps its strongest reading.
func (t *Tracker) Ingest(gatewayID string, snapshots []models.DeviceSnapshot, ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.current
	if c == nil {
		return ErrNoCycle
	}

	if !ts.Equal(c.ts) {
		return ErrCycleMismatch
	}

	if _, ok := c.expected[gatewayID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedGateway, gatewayID)
	}

	if _, ok := c.reports[gatewayID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReport, gatewayID)
	}

	byMAC := make(map[string]int, len(snapshots))
	kept := make([]models.DeviceSnapshot, 0, len(snapshots))

	for _, snap := range snapshots {
		mac, err := models.NormalizeMAC(snap.MAC)
		if err != nil {
			c.dropped++

			t.logger.Debug().
				Err(err).
				Str("gateway_id", gatewayID).
				Msg("Dropping snapshot with invalid MAC")

			continue
		}

		snap.MAC = mac

		if i, dup := byMAC[mac]; dup {
			if snap.SignalStrength > kept[i].SignalStrength {
				kept[i] = snap
			}

			continue
		}

		byMAC[mac] = len(kept)
		kept = append(kept, snap)
	}

	c.reports[gatewayID] = kept

	return nil
}

// Pending lists the gateways of the open cycle that have not reported yet.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}

	var pending []string

	for id := range t.current.expected {
		if _, ok := t.current.reports[id]; !ok {
			pending = append(pending, id)
		}
	}

	slices.Sort(pending)

	return pending
}

// Correlate closes the open cycle and applies its observations. Gateways
// that did not report are left out: devices last seen on them are not
// counted absent this cycle.
func (t *Tracker) Correlate(ctx context.Context) (CycleResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.current
	if c == nil {
		return CycleResult{}, ErrNoCycle
	}

	t.current = nil
	t.lastCycle = c.ts

	res := CycleResult{Timestamp: c.ts, Dropped: c.dropped}
	missing := make(map[string]bool)

	for id := range c.expected {
		if _, ok := c.reports[id]; ok {
			res.Reported = append(res.Reported, id)
		} else {
			res.Missing = append(res.Missing, id)
			missing[id] = true
		}
	}

	slices.Sort(res.Reported)
	slices.Sort(res.Missing)

	observed := make(map[string][]observation)

	for _, gwID := range res.Reported {
		for _, snap := range c.reports[gwID] {
			observed[snap.MAC] = append(observed[snap.MAC], observation{
				gatewayID: gwID,
				priority:  c.expected[gwID],
				snap:      snap,
			})
		}
	}

	macs := make([]string, 0, len(observed))
	for mac := range observed {
		macs = append(macs, mac)
	}

	slices.Sort(macs)

	for _, mac := range macs {
		if ev, changed := t.observeLocked(mac, observed[mac], c.ts); changed {
			if ev != nil {
				res.Events = append(res.Events, *ev)
			}

			res.Sessions = append(res.Sessions, t.devices[mac].session.Clone())
		}
	}

	res.Sessions = append(res.Sessions, t.sweepAbsentLocked(observed, missing, c.ts)...)

	t.pruneLocked(c.ts)

	for i := range res.Events {
		t.publishLocked(ctx, &res.Events[i])
	}

	t.metrics.recordCycle(ctx, res.Events)

	if len(res.Missing) > 0 {
		t.logger.Debug().
			Strs("missing", res.Missing).
			Time("cycle", c.ts).
			Msg("Correlating without every gateway")
	}

	return res, nil
}

// observeLocked applies one cycle's observations of mac. It reports whether
// the session changed in a way worth persisting; a signal-only update of the
// current session counts as a change.
func (t *Tracker) observeLocked(mac string, obs []observation, ts time.Time) (*models.RoamingEvent, bool) {
	slices.SortFunc(obs, func(a, b observation) int {
		if a.snap.SignalStrength != b.snap.SignalStrength {
			return cmp.Compare(b.snap.SignalStrength, a.snap.SignalStrength)
		}

		if a.priority != b.priority {
			return cmp.Compare(a.priority, b.priority)
		}

		return strings.Compare(a.gatewayID, b.gatewayID)
	})

	best := obs[0]
	ambiguous := len(obs) > 1

	if ambiguous {
		gws := make([]string, len(obs))
		for i := range obs {
			gws[i] = obs[i].gatewayID
		}

		t.logger.Debug().
			Str("mac", mac).
			Strs("gateways", gws).
			Str("authoritative", best.gatewayID).
			Msg("Device observed on several gateways")
	}

	st, known := t.devices[mac]
	if !known {
		st = &deviceState{profile: models.MobilityProfile{MAC: mac, MobilityPattern: models.MobilityStatic}}
		t.devices[mac] = st
	}

	sess := &st.session

	if sess.Connected() && sess.CurrentGatewayID == best.gatewayID {
		applySnapshot(sess, &best.snap, ts, t.config.SignalSamples)
		sess.AbsentCycles = 0
		sess.Ambiguous = ambiguous

		return nil, true
	}

	ev := &models.RoamingEvent{
		ID:          t.newID(),
		MAC:         mac,
		ToGatewayID: best.gatewayID,
		Timestamp:   ts,
		SignalAfter: best.snap.SignalStrength,
		Reason:      models.ReasonInitialConnect,
	}

	if ambiguous {
		ev.Reason = models.ReasonAmbiguousResolution
	}

	if sess.Connected() {
		if !ambiguous {
			ev.Reason = models.ReasonHandover
		}

		ev.FromGatewayID = sess.CurrentGatewayID
		ev.SignalBefore = int(averageSignal(sess))
		ev.DwellBefore = sess.Dwell(ts)
		ev.Trigger = classifyTrigger(sess, best.snap.SignalStrength, ts)

		t.finalizeLocked(st, ts, models.SessionEndHandover)
		t.gatewayStats(ev.FromGatewayID).RoamingOut++
		t.gatewayStats(ev.ToGatewayID).RoamingIn++

		st.profile.HandoverCount++
		st.handovers = append(st.handovers, ts)
	}

	st.session = models.DeviceSession{
		MAC:              mac,
		CurrentGatewayID: best.gatewayID,
		ConnectedSince:   ts,
		Ambiguous:        ambiguous,
	}
	applySnapshot(&st.session, &best.snap, ts, t.config.SignalSamples)

	gs := t.gatewayStats(best.gatewayID)
	gs.Connections++
	gs.Active++

	if !slices.Contains(st.profile.PreferredGateways, best.gatewayID) {
		st.profile.PreferredGateways = append(st.profile.PreferredGateways, best.gatewayID)
	}

	st.lastEvent = ts
	t.refreshProfileLocked(st, ts)
	t.appendEventLocked(ev)

	t.logger.Info().
		Str("mac", mac).
		Str("from", ev.FromGatewayID).
		Str("to", ev.ToGatewayID).
		Str("reason", string(ev.Reason)).
		Str("trigger", string(ev.Trigger)).
		Msg("Device association changed")

	return ev, true
}

// sweepAbsentLocked counts a missed cycle for every connected device that
// was not observed, unless its gateway did not report, and closes sessions
// that reached the disappearance threshold.
func (t *Tracker) sweepAbsentLocked(observed map[string][]observation, missing map[string]bool, ts time.Time) []models.DeviceSession {
	var changed []models.DeviceSession

	macs := make([]string, 0, len(t.devices))
	for mac := range t.devices {
		macs = append(macs, mac)
	}

	slices.Sort(macs)

	for _, mac := range macs {
		st := t.devices[mac]
		sess := &st.session

		if !sess.Connected() || len(observed[mac]) > 0 || missing[sess.CurrentGatewayID] {
			continue
		}

		sess.AbsentCycles++

		if sess.AbsentCycles < t.config.DisappearanceThreshold {
			continue
		}

		gatewayID := sess.CurrentGatewayID
		t.finalizeLocked(st, ts, models.SessionEndDisconnected)

		// The session record stays, detached from any gateway.
		sess.CurrentGatewayID = ""
		sess.Ambiguous = false
		t.refreshProfileLocked(st, ts)

		t.logger.Info().
			Str("mac", mac).
			Str("gateway_id", gatewayID).
			Int("absent_cycles", sess.AbsentCycles).
			Msg("Device disconnected")

		changed = append(changed, sess.Clone())
	}

	return changed
}

// finalizeLocked closes the current session into history and records its
// dwell in the device profile.
func (t *Tracker) finalizeLocked(st *deviceState, ts time.Time, reason models.SessionEndReason) {
	sess := &st.session
	sess.EndedAt = ts
	sess.EndReason = reason

	st.history = append(st.history, sess.Clone())

	st.profile.DwellTimes = append(st.profile.DwellTimes, sess.Dwell(ts))
	if over := len(st.profile.DwellTimes) - t.config.DwellSamples; over > 0 {
		st.profile.DwellTimes = slices.Delete(st.profile.DwellTimes, 0, over)
	}

	if gs := t.gatewayStats(sess.CurrentGatewayID); gs.Active > 0 {
		gs.Active--
	}
}

func (t *Tracker) refreshProfileLocked(st *deviceState, now time.Time) {
	cutoff := now.Add(-mobilityWindow)
	st.handovers = slices.DeleteFunc(st.handovers, func(at time.Time) bool { return !at.After(cutoff) })

	p := &st.profile
	p.LastUpdated = now
	p.MobilityPattern = mobilityPattern(len(st.handovers))
	p.AverageDwell = averageDwell(p.DwellTimes)
}

func (t *Tracker) appendEventLocked(ev *models.RoamingEvent) {
	t.events = append(t.events, *ev)

	if over := len(t.events) - t.config.MaxEvents; over > 0 {
		t.events = slices.Delete(t.events, 0, over)
	}
}

func (t *Tracker) gatewayStats(id string) *GatewayStats {
	gs, ok := t.stats[id]
	if !ok {
		gs = &GatewayStats{GatewayID: id}
		t.stats[id] = gs
	}

	return gs
}

// pruneLocked drops history and events older than the retention window and
// profiles of disconnected devices that have been quiet for ProfileIdle.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.config.HistoryRetention.Std())
	idleCutoff := now.Add(-t.config.ProfileIdle.Std())

	t.events = slices.DeleteFunc(t.events, func(ev models.RoamingEvent) bool {
		return ev.Timestamp.Before(cutoff)
	})

	for mac, st := range t.devices {
		st.history = slices.DeleteFunc(st.history, func(s models.DeviceSession) bool {
			return s.EndedAt.Before(cutoff)
		})

		if !st.session.Connected() && st.lastEvent.Before(idleCutoff) && st.session.EndedAt.Before(idleCutoff) {
			delete(t.devices, mac)
		}
	}
}

func applySnapshot(sess *models.DeviceSession, snap *models.DeviceSnapshot, ts time.Time, maxSamples int) {
	sess.SignalStrength = snap.SignalStrength
	sess.LastSeenAt = ts

	if snap.IP != "" {
		sess.IP = snap.IP
	}

	if snap.Hostname != "" {
		sess.Hostname = snap.Hostname
	}

	if snap.ConnectionType != "" {
		sess.ConnectionType = snap.ConnectionType
	}

	sess.SignalHistory = append(sess.SignalHistory, models.SignalSample{At: ts, Strength: snap.SignalStrength})
	if over := len(sess.SignalHistory) - maxSamples; over > 0 {
		sess.SignalHistory = slices.Delete(sess.SignalHistory, 0, over)
	}
}

// Session returns a copy of the device's session, connected or not.
func (t *Tracker) Session(mac string) (models.DeviceSession, bool) {
	mac, err := models.NormalizeMAC(mac)
	if err != nil {
		return models.DeviceSession{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.devices[mac]
	if !ok {
		return models.DeviceSession{}, false
	}

	return st.session.Clone(), true
}

// ActiveSessions returns copies of every connected session, ordered by MAC.
func (t *Tracker) ActiveSessions() []models.DeviceSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.DeviceSession, 0, len(t.devices))

	for _, st := range t.devices {
		if st.session.Connected() {
			out = append(out, st.session.Clone())
		}
	}

	slices.SortFunc(out, func(a, b models.DeviceSession) int { return strings.Compare(a.MAC, b.MAC) })

	return out
}

// History returns the finalized sessions of mac, oldest first.
func (t *Tracker) History(mac string) []models.DeviceSession {
	mac, err := models.NormalizeMAC(mac)
	if err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.devices[mac]
	if !ok {
		return nil
	}

	out := make([]models.DeviceSession, len(st.history))
	for i := range st.history {
		out[i] = st.history[i].Clone()
	}

	return out
}

// Events returns the retained events at or after since, oldest first.
func (t *Tracker) Events(since time.Time) []models.RoamingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Events are appended cycle by cycle, so timestamps never decrease.
	i, _ := slices.BinarySearchFunc(t.events, since, func(ev models.RoamingEvent, at time.Time) int {
		return ev.Timestamp.Compare(at)
	})

	return slices.Clone(t.events[i:])
}

// MobilityReport returns the profile of one device.
func (t *Tracker) MobilityReport(mac string) (models.MobilityProfile, error) {
	norm, err := models.NormalizeMAC(mac)
	if err != nil {
		return models.MobilityProfile{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.devices[norm]
	if !ok {
		return models.MobilityProfile{}, fmt.Errorf("%w: %s", errNoDeviceProfile, norm)
	}

	return st.profile.Clone(), nil
}

// MobilityReports returns every profile, ordered by MAC.
func (t *Tracker) MobilityReports() []models.MobilityProfile {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.MobilityProfile, 0, len(t.devices))
	for _, st := range t.devices {
		out = append(out, st.profile.Clone())
	}

	slices.SortFunc(out, func(a, b models.MobilityProfile) int { return strings.Compare(a.MAC, b.MAC) })

	return out
}

func (t *Tracker) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, st := range t.devices {
		if st.session.Connected() {
			n++
		}
	}

	return n
}
