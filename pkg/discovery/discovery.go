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

// Package discovery finds gateways on the local network. Three strategies
// exist: hostname resolution, mDNS service browsing and an SNMP subnet sweep.
package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

// Kind tags a discovery strategy.
type Kind string

const (
	KindHostname    Kind = "hostname"
	KindBroadcast   Kind = "broadcast"
	KindSubnetSweep Kind = "subnet_sweep"
)

const defaultStrategyTimeout = 5 * time.Second

var errNoStrategies = errors.New("no discovery strategies enabled")

// Strategy is one way of finding gateways. Discover must return within
// timeout and must not mutate shared state.
type Strategy interface {
	Name() string
	Kind() Kind
	Discover(ctx context.Context, timeout time.Duration) ([]models.GatewayDescriptor, error)
}

// Identifier confirms that an address hosts a manageable gateway.
type Identifier interface {
	Identify(ctx context.Context, host string, port int) (gateway.Identity, error)
}

// SNMPIdentifier identifies gateways by reading their SNMP system group with
// a discovery credential.
type SNMPIdentifier struct {
	Client     *gateway.SNMPClient
	Credential models.Credential
}

// Identify implements Identifier.
func (s *SNMPIdentifier) Identify(ctx context.Context, host string, port int) (gateway.Identity, error) {
	return s.Client.Identify(ctx, host, port, s.Credential)
}

// Config enables and configures the discovery strategies.
type Config struct {
	Interval models.Duration `json:"interval"`
	Timeout  models.Duration `json:"timeout"`
	// Community is the SNMP community (v1/v2c) used while identifying
	// candidates. v3 deployments reuse the gateway credential flow instead.
	Community string         `json:"community,omitempty"`
	Hostname  HostnameConfig `json:"hostname"`
	MDNS      MDNSConfig     `json:"mdns"`
	Sweep     SweepConfig    `json:"sweep"`
}

const defaultDiscoveryInterval = 10 * time.Minute

// Validate fills defaults.
func (c *Config) Validate() error {
	c.Interval = c.Interval.OrDefault(defaultDiscoveryInterval)
	c.Timeout = c.Timeout.OrDefault(defaultStrategyTimeout)

	if c.Hostname.Enabled && len(c.Hostname.Names) == 0 {
		c.Hostname.Names = DefaultHostnames()
	}

	if c.MDNS.Enabled && len(c.MDNS.Services) == 0 {
		c.MDNS.Services = DefaultServices()
	}

	if c.Sweep.Enabled {
		if err := c.Sweep.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Build returns the enabled strategies.
func Build(cfg *Config, id Identifier, log logger.Logger) ([]Strategy, error) {
	var out []Strategy

	if cfg.Hostname.Enabled {
		out = append(out, NewHostnameStrategy(cfg.Hostname, id, log))
	}

	if cfg.MDNS.Enabled {
		out = append(out, NewMDNSStrategy(cfg.MDNS, log))
	}

	if cfg.Sweep.Enabled {
		out = append(out, NewSweepStrategy(cfg.Sweep, id, log))
	}

	if len(out) == 0 {
		return nil, errNoStrategies
	}

	return out, nil
}

// descriptorFromIdentity turns an identified candidate into a descriptor.
func descriptorFromIdentity(host string, port int, id gateway.Identity, strategy string) models.GatewayDescriptor {
	desc := models.GatewayDescriptor{
		Hostname: host,
		Port:     port,
		Nickname: id.SysName,
		Serial:   id.Serial,
		Model:    firstLine(id.SysDescr),
		Capabilities: []models.Capability{
			models.CapabilityProbe,
			models.CapabilityListDevices,
			models.CapabilitySNMP,
		},
		DiscoveredBy: []string{strategy},
	}
	desc.ID = models.DeriveGatewayID(desc.Hostname, desc.Port, desc.Serial)

	return desc
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}

	return strings.TrimSpace(s)
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultStrategyTimeout
	}

	return d
}
