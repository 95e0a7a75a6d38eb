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

package models

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// DeviceSnapshot is one device as reported by one gateway in one cycle.
type DeviceSnapshot struct {
	MAC            string    `json:"mac"`
	IP             string    `json:"ip,omitempty"`
	Hostname       string    `json:"hostname,omitempty"`
	SignalStrength int       `json:"signal_strength"` // dBm
	ConnectionType string    `json:"connection_type,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// SignalSample is one signal reading kept in a session's history.
type SignalSample struct {
	At       time.Time `json:"at"`
	Strength int       `json:"strength"`
}

// SessionEndReason explains why a session was finalized.
type SessionEndReason string

const (
	SessionEndHandover     SessionEndReason = "handover"
	SessionEndDisconnected SessionEndReason = "disconnected"
)

// DeviceSession is the current association of a device. CurrentGatewayID is
// empty when the device is disconnected.
type DeviceSession struct {
	MAC              string           `json:"mac"`
	CurrentGatewayID string           `json:"current_gateway_id,omitempty"`
	IP               string           `json:"ip,omitempty"`
	Hostname         string           `json:"hostname,omitempty"`
	SignalStrength   int              `json:"signal_strength"`
	ConnectionType   string           `json:"connection_type,omitempty"`
	ConnectedSince   time.Time        `json:"connected_since"`
	LastSeenAt       time.Time        `json:"last_seen_at"`
	Ambiguous        bool             `json:"ambiguous"`
	AbsentCycles     int              `json:"absent_cycles"`
	SignalHistory    []SignalSample   `json:"signal_history,omitempty"`
	EndedAt          time.Time        `json:"ended_at,omitempty"`
	EndReason        SessionEndReason `json:"end_reason,omitempty"`
}

// Connected reports whether the session is bound to a gateway.
func (s *DeviceSession) Connected() bool {
	return s.CurrentGatewayID != ""
}

// Dwell returns how long the session has lasted up to end.
func (s *DeviceSession) Dwell(end time.Time) time.Duration {
	if s.ConnectedSince.IsZero() || end.Before(s.ConnectedSince) {
		return 0
	}

	return end.Sub(s.ConnectedSince)
}

// Clone returns a deep copy of the session.
func (s *DeviceSession) Clone() DeviceSession {
	out := *s
	out.SignalHistory = slices.Clone(s.SignalHistory)

	return out
}

// RoamingReason is the cause recorded on a RoamingEvent.
type RoamingReason string

const (
	ReasonInitialConnect      RoamingReason = "initial_connect"
	ReasonHandover            RoamingReason = "handover"
	ReasonAmbiguousResolution RoamingReason = "ambiguous_resolution"
)

// RoamingTrigger is the heuristic classification of what caused a handover.
type RoamingTrigger string

const (
	TriggerWeakSignal      RoamingTrigger = "weak_signal"
	TriggerSignalDegrading RoamingTrigger = "signal_degrading"
	TriggerBetterSignal    RoamingTrigger = "better_signal"
	TriggerQuickHandover   RoamingTrigger = "quick_handover"
	TriggerUnknown         RoamingTrigger = "unknown"
)

// RoamingEvent is an immutable record of a device association change.
type RoamingEvent struct {
	ID            string         `json:"id"`
	MAC           string         `json:"mac"`
	FromGatewayID string         `json:"from_gateway_id,omitempty"`
	ToGatewayID   string         `json:"to_gateway_id"`
	Timestamp     time.Time      `json:"timestamp"`
	SignalBefore  int            `json:"signal_before"`
	SignalAfter   int            `json:"signal_after"`
	Reason        RoamingReason  `json:"reason"`
	Trigger       RoamingTrigger `json:"trigger,omitempty"`
	DwellBefore   time.Duration  `json:"dwell_before,omitempty"`
}

// MobilityPattern summarizes how often a device roams.
type MobilityPattern string

const (
	MobilityStatic       MobilityPattern = "static"
	MobilityMobile       MobilityPattern = "mobile"
	MobilityHighlyMobile MobilityPattern = "highly_mobile"
)

// MobilityProfile aggregates the roaming behaviour of one device.
type MobilityProfile struct {
	MAC               string          `json:"mac"`
	HandoverCount     int             `json:"handover_count"`
	DwellTimes        []time.Duration `json:"dwell_times"`
	LastUpdated       time.Time       `json:"last_updated"`
	PreferredGateways []string        `json:"preferred_gateways,omitempty"`
	MobilityPattern   MobilityPattern `json:"mobility_pattern"`
	AverageDwell      time.Duration   `json:"average_dwell"`
}

// Clone returns a deep copy of the profile.
func (p *MobilityProfile) Clone() MobilityProfile {
	out := *p
	out.DwellTimes = slices.Clone(p.DwellTimes)
	out.PreferredGateways = slices.Clone(p.PreferredGateways)

	return out
}

// NormalizeMAC returns the upper-case, colon separated form of a link-layer
// address, or ErrInvalidMAC.
func NormalizeMAC(mac string) (string, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return "", ErrInvalidMAC
	}

	hw, err := net.ParseMAC(mac)
	if err != nil {
		// Bare hex, as some gateways report it.
		if len(mac) == 12 && !strings.ContainsAny(mac, ":-.") {
			return NormalizeMAC(splitHex(mac))
		}

		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}

	if len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}

	return strings.ToUpper(hw.String()), nil
}

func splitHex(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}

		b.WriteString(s[i : i+2])
	}

	return b.String()
}
