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
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// HealthState is the hysteresis state of a gateway.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// Valid reports whether s is one of the known health states.
func (s HealthState) Valid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthUnreachable:
		return true
	default:
		return false
	}
}

// Capability names an operation a gateway supports.
type Capability string

const (
	CapabilityProbe       Capability = "probe"
	CapabilityListDevices Capability = "list_devices"
	CapabilitySNMP        Capability = "snmp"
	CapabilityMesh        Capability = "mesh"
)

// DefaultGatewayPort is used when discovery does not report a port.
const DefaultGatewayPort = 161

// GatewayDescriptor describes one network gateway known to the registry.
type GatewayDescriptor struct {
	ID           string       `json:"id"`
	Hostname     string       `json:"hostname"`
	Port         int          `json:"port"`
	Nickname     string       `json:"nickname,omitempty"`
	Priority     int          `json:"priority"`
	Capabilities []Capability `json:"capabilities,omitempty"`

	Serial       string   `json:"serial,omitempty"`
	Model        string   `json:"model,omitempty"`
	Firmware     string   `json:"firmware,omitempty"`
	SecretRef    string   `json:"secret_ref,omitempty"`
	DiscoveredBy []string `json:"discovered_by,omitempty"`

	Health                  HealthState   `json:"health"`
	ConsecutiveSoftFailures int           `json:"consecutive_soft_failures"`
	ConsecutiveHardFailures int           `json:"consecutive_hard_failures"`
	ConsecutiveSuccesses    int           `json:"consecutive_successes"`
	LastCheckedAt           time.Time     `json:"last_checked_at"`
	LastError               string        `json:"last_error,omitempty"`
	ResponseTime            time.Duration `json:"response_time"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Address returns host:port suitable for dialing.
func (g *GatewayDescriptor) Address() string {
	return net.JoinHostPort(g.Hostname, strconv.Itoa(g.Port))
}

// HasCapability reports whether the gateway advertises c.
func (g *GatewayDescriptor) HasCapability(c Capability) bool {
	return slices.Contains(g.Capabilities, c)
}

// HostKey returns the lower-cased hostname:port identity of the gateway.
func (g *GatewayDescriptor) HostKey() string {
	if g.Hostname == "" {
		return ""
	}

	return net.JoinHostPort(strings.ToLower(g.Hostname), strconv.Itoa(g.Port))
}

// Clone returns a deep copy so callers never share slices with the registry.
func (g *GatewayDescriptor) Clone() GatewayDescriptor {
	out := *g
	out.Capabilities = slices.Clone(g.Capabilities)
	out.DiscoveredBy = slices.Clone(g.DiscoveredBy)

	return out
}

// Validate checks the identity fields of a descriptor.
func (g *GatewayDescriptor) Validate() error {
	if g.Hostname == "" && g.Serial == "" {
		return ErrMissingHostname
	}

	if g.Port < 0 || g.Port > 65535 {
		return ErrInvalidPort
	}

	return nil
}

// DeriveGatewayID builds the stable gateway identifier: serial:<serial> when a
// serial is reported, otherwise hostname:port.
func DeriveGatewayID(hostname string, port int, serial string) string {
	if serial = strings.TrimSpace(serial); serial != "" {
		return "serial:" + serial
	}

	return net.JoinHostPort(strings.ToLower(hostname), strconv.Itoa(port))
}

// NormalizeCapabilities returns the sorted, de-duplicated set of capabilities.
func NormalizeCapabilities(caps []Capability) []Capability {
	if len(caps) == 0 {
		return nil
	}

	out := slices.Clone(caps)
	slices.Sort(out)

	return slices.Compact(out)
}
