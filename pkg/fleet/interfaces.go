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

// Package fleet drives the poll cycle: discovery into the registry, health
// checks, device listing, roaming correlation, persistence and publishing.
package fleet

//go:generate mockgen -destination=mock_fleet.go -package=fleet github.com/carverauto/fleetradar/pkg/fleet Clock,Ticker,EventSink

import (
	"context"
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
)

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// EventSink receives everything the poller publishes. natsutil.EventPublisher
// is the production implementation.
type EventSink interface {
	PublishRoamingEvents(ctx context.Context, events []models.RoamingEvent) error
	PublishHealthEvent(ctx context.Context, data models.GatewayHealthEventData) error
}

// Credentials is the part of credentials.Resolver the poller drives.
type Credentials interface {
	Register(gatewayID, secretRef string)
	Resolve(ctx context.Context, gatewayID string) (models.Credential, error)
	Purge() int
}

// SessionLoader is implemented by stores that can return the sessions still
// open when the previous run stopped.
type SessionLoader interface {
	ActiveSessions(ctx context.Context) ([]models.DeviceSession, error)
}
