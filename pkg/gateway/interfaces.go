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

// Package gateway defines the capability used to talk to a gateway and the
// failure taxonomy shared by the health monitor and the fleet poller.
package gateway

//go:generate mockgen -destination=mock_gateway.go -package=gateway github.com/carverauto/fleetradar/pkg/gateway Client

import (
	"context"
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
)

// ProbeResult is what a successful probe learns about a gateway.
type ProbeResult struct {
	Latency  time.Duration
	Uptime   time.Duration
	Serial   string
	Model    string
	Firmware string
}

// Client performs bounded-time calls against one gateway. Implementations
// return errors wrapping the sentinels in errors.go so Classify can sort them.
type Client interface {
	Probe(ctx context.Context, desc *models.GatewayDescriptor, cred models.Credential) (ProbeResult, error)
	ListDevices(ctx context.Context, desc *models.GatewayDescriptor, cred models.Credential) ([]models.DeviceSnapshot, error)
}
