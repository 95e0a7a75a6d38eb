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

// Package registry owns the set of known gateways. All mutation goes through
// Registry methods; readers always receive copies.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetradar/pkg/discovery"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

var (
	// ErrGatewayNotFound is returned by lookups for unknown IDs.
	ErrGatewayNotFound = errors.New("gateway not found")
	// ErrAllStrategiesFailed is returned when no discovery strategy succeeded.
	ErrAllStrategiesFailed = errors.New("all discovery strategies failed")
)

// UpsertOptions tunes Upsert.
type UpsertOptions struct {
	// ResetHealth puts an existing gateway back to Healthy with zero counters.
	ResetHealth bool
	// Discovered marks the descriptor as a discovery result. Discovery never
	// overrides the priority, nickname or secret reference of a known gateway.
	Discovered bool
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Health     []models.HealthState
	Capability models.Capability
	IDs        []string
}

func (f *Filter) match(g *models.GatewayDescriptor) bool {
	if len(f.Health) > 0 && !slices.Contains(f.Health, g.Health) {
		return false
	}

	if f.Capability != "" && !g.HasCapability(f.Capability) {
		return false
	}

	if len(f.IDs) > 0 && !slices.Contains(f.IDs, g.ID) {
		return false
	}

	return true
}

// HealthUpdate is a health-check outcome written back by the monitor.
type HealthUpdate struct {
	GatewayID               string
	Health                  models.HealthState
	ConsecutiveSoftFailures int
	ConsecutiveHardFailures int
	ConsecutiveSuccesses    int
	CheckedAt               time.Time
	LastError               string
	ResponseTime            time.Duration
	// Serial, Model and Firmware are learned from a successful probe.
	Serial   string
	Model    string
	Firmware string
}

// Stats summarises the registry.
type Stats struct {
	Total         int                        `json:"total"`
	ByHealth      map[models.HealthState]int `json:"by_health"`
	LastDiscovery time.Time                  `json:"last_discovery"`
}

// Registry is the single owner of gateway descriptors.
type Registry struct {
	strategies []discovery.Strategy
	timeout    time.Duration
	logger     logger.Logger
	now        func() time.Time

	mu            sync.RWMutex
	gateways      map[string]*models.GatewayDescriptor
	bySerial      map[string]string
	byHost        map[string]string
	lastDiscovery time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMeterProvider publishes gateway counts on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Registry) { registerMetrics(mp, r) }
}

// New creates a registry. strategyTimeout bounds each discovery strategy.
func New(strategies []discovery.Strategy, strategyTimeout time.Duration, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		strategies: strategies,
		timeout:    strategyTimeout,
		logger:     log,
		now:        time.Now,
		gateways:   make(map[string]*models.GatewayDescriptor),
		bySerial:   make(map[string]string),
		byHost:     make(map[string]string),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Seed upserts statically configured gateways.
func (r *Registry) Seed(seeds []models.GatewaySeed) error {
	var errs []error

	for i := range seeds {
		if _, err := r.Upsert(seeds[i].Descriptor(), UpsertOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("gateway %q: %w", seeds[i].Hostname, err))
		}
	}

	return errors.Join(errs...)
}

// runStrategy bounds s by the strategy timeout. A strategy that overruns
// its deadline is abandoned and its late result discarded.
func (r *Registry) runStrategy(ctx context.Context, s discovery.Strategy) ([]models.GatewayDescriptor, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan strategyResult, 1)

	go func() {
		found, err := s.Discover(sctx, r.timeout)
		done <- strategyResult{found: found, err: err}
	}()

	select {
	case res := <-done:
		return res.found, res.err
	case <-sctx.Done():
		return nil, fmt.Errorf("strategy exceeded %s: %w", r.timeout, sctx.Err())
	}
}

type strategyResult struct {
	name  string
	found []models.GatewayDescriptor
	err   error
}

// Discover runs every strategy concurrently and merges the results. Known
// gateways keep their health and counters. The returned slice holds the
// merged descriptors of every gateway seen in this run, sorted by ID.
func (r *Registry) Discover(ctx context.Context) ([]models.GatewayDescriptor, error) {
	results := make([]strategyResult, len(r.strategies))

	var g errgroup.Group

	for i, s := range r.strategies {
		g.Go(func() error {
			start := r.now()
			found, err := r.runStrategy(ctx, s)
			results[i] = strategyResult{name: s.Name(), found: found, err: err}

			ev := r.logger.Debug()
			if err != nil {
				ev = r.logger.Warn().Err(err)
			}

			ev.Str("strategy", s.Name()).
				Str("kind", string(s.Kind())).
				Int("found", len(found)).
				Dur("elapsed", r.now().Sub(start)).
				Msg("Discovery strategy finished")

			return nil
		})
	}

	_ = g.Wait()

	seen := make(map[string]struct{})

	var (
		failures []error
		out      []models.GatewayDescriptor
	)

	for _, res := range results {
		if res.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", res.name, res.err))
		}

		for i := range res.found {
			merged, err := r.Upsert(res.found[i], UpsertOptions{Discovered: true})
			if err != nil {
				r.logger.Debug().Err(err).Str("strategy", res.name).Msg("Dropping invalid discovery result")

				continue
			}

			if _, dup := seen[merged.ID]; dup {
				continue
			}

			seen[merged.ID] = struct{}{}
		}
	}

	r.mu.Lock()
	r.lastDiscovery = r.now()

	for id := range seen {
		out = append(out, r.gateways[id].Clone())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b models.GatewayDescriptor) int { return strings.Compare(a.ID, b.ID) })

	if len(r.strategies) > 0 && len(failures) == len(r.strategies) && len(out) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(failures...))
	}

	r.logger.Info().
		Int("gateways", len(out)).
		Int("failed_strategies", len(failures)).
		Msg("Gateway discovery complete")

	return out, nil
}

// Upsert inserts desc or merges it into the matching known gateway. The
// match is by serial first, then by hostname and port. IDs never change once
// assigned.
func (r *Registry) Upsert(desc models.GatewayDescriptor, opts UpsertOptions) (models.GatewayDescriptor, error) {
	if err := desc.Validate(); err != nil {
		return models.GatewayDescriptor{}, err
	}

	if desc.Port == 0 {
		desc.Port = models.DefaultGatewayPort
	}

	desc.Capabilities = models.NormalizeCapabilities(desc.Capabilities)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.lookupLocked(&desc)
	if existing == nil {
		created := desc.Clone()
		if created.ID == "" {
			created.ID = models.DeriveGatewayID(created.Hostname, created.Port, created.Serial)
		}

		created.ID = r.uniqueIDLocked(created.ID)

		created.Health = models.HealthHealthy
		created.ConsecutiveSoftFailures = 0
		created.ConsecutiveHardFailures = 0
		created.ConsecutiveSuccesses = 0
		created.FirstSeen = now
		created.LastSeen = now

		r.gateways[created.ID] = &created
		r.indexLocked(&created, "", "")

		r.logger.Info().
			Str("gateway_id", created.ID).
			Str("hostname", created.Hostname).
			Strs("discovered_by", created.DiscoveredBy).
			Msg("Registered new gateway")

		return created.Clone(), nil
	}

	oldSerial, oldHost := existing.Serial, existing.HostKey()
	mergeInto(existing, &desc, opts.Discovered)
	existing.LastSeen = now

	if opts.ResetHealth {
		resetHealth(existing)
	}

	r.indexLocked(existing, oldSerial, oldHost)

	return existing.Clone(), nil
}

// lookupLocked finds the known gateway matching desc. When the serial and
// the address point at different entries the oldest entry wins.
func (r *Registry) lookupLocked(desc *models.GatewayDescriptor) *models.GatewayDescriptor {
	var bySerial, byHost *models.GatewayDescriptor

	if desc.Serial != "" {
		if id, ok := r.bySerial[desc.Serial]; ok {
			bySerial = r.gateways[id]
		}
	}

	if key := desc.HostKey(); key != "" {
		if id, ok := r.byHost[key]; ok {
			byHost = r.gateways[id]
		}
	}

	switch {
	case bySerial != nil && byHost != nil:
		if byHost.Serial != "" && byHost.Serial != desc.Serial {
			return bySerial
		}

		if byHost.FirstSeen.Before(bySerial.FirstSeen) {
			return byHost
		}

		return bySerial
	case bySerial != nil:
		return bySerial
	case byHost != nil:
		// A different device now answers on this address.
		if byHost.Serial != "" && desc.Serial != "" && byHost.Serial != desc.Serial {
			return nil
		}

		return byHost
	}

	if desc.ID != "" {
		return r.gateways[desc.ID]
	}

	return nil
}

// uniqueIDLocked returns id, suffixed when an older gateway already owns it
// (for example after that gateway moved to a new address).
func (r *Registry) uniqueIDLocked(id string) string {
	if _, taken := r.gateways[id]; !taken {
		return id
	}

	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s#%d", id, n)
		if _, taken := r.gateways[candidate]; !taken {
			return candidate
		}
	}
}

func (r *Registry) indexLocked(g *models.GatewayDescriptor, oldSerial, oldHost string) {
	if oldSerial != "" && oldSerial != g.Serial && r.bySerial[oldSerial] == g.ID {
		delete(r.bySerial, oldSerial)
	}

	if oldHost != "" && oldHost != g.HostKey() && r.byHost[oldHost] == g.ID {
		delete(r.byHost, oldHost)
	}

	if g.Serial != "" {
		r.bySerial[g.Serial] = g.ID
	}

	if key := g.HostKey(); key != "" {
		r.byHost[key] = g.ID
	}
}

func mergeInto(dst, src *models.GatewayDescriptor, discovered bool) {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
		dst.Port = src.Port
	}

	if src.Serial != "" {
		dst.Serial = src.Serial
	}

	if src.Model != "" {
		dst.Model = src.Model
	}

	if src.Firmware != "" {
		dst.Firmware = src.Firmware
	}

	dst.Capabilities = models.NormalizeCapabilities(append(dst.Capabilities, src.Capabilities...))
	dst.DiscoveredBy = mergeTags(dst.DiscoveredBy, src.DiscoveredBy)

	if !discovered {
		dst.Priority = src.Priority
		dst.Nickname = src.Nickname
		dst.SecretRef = src.SecretRef

		return
	}

	if dst.Nickname == "" {
		dst.Nickname = src.Nickname
	}

	if dst.SecretRef == "" {
		dst.SecretRef = src.SecretRef
	}
}

func mergeTags(a, b []string) []string {
	out := slices.Clone(a)

	for _, t := range b {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}

	return out
}

func resetHealth(g *models.GatewayDescriptor) {
	g.Health = models.HealthHealthy
	g.ConsecutiveSoftFailures = 0
	g.ConsecutiveHardFailures = 0
	g.ConsecutiveSuccesses = 0
	g.LastError = ""
}

// RecordHealth applies health-check outcomes. Updates for unknown gateways
// are ignored. It returns the number applied.
func (r *Registry) RecordHealth(updates ...HealthUpdate) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0

	for i := range updates {
		u := &updates[i]

		g, ok := r.gateways[u.GatewayID]
		if !ok {
			continue
		}

		g.Health = u.Health
		g.ConsecutiveSoftFailures = u.ConsecutiveSoftFailures
		g.ConsecutiveHardFailures = u.ConsecutiveHardFailures
		g.ConsecutiveSuccesses = u.ConsecutiveSuccesses
		g.LastCheckedAt = u.CheckedAt
		g.LastError = u.LastError
		g.ResponseTime = u.ResponseTime

		oldSerial, oldHost := g.Serial, g.HostKey()

		if u.Serial != "" && g.Serial == "" {
			if owner, taken := r.bySerial[u.Serial]; !taken || owner == g.ID {
				g.Serial = u.Serial
			}
		}

		if u.Model != "" {
			g.Model = u.Model
		}

		if u.Firmware != "" {
			g.Firmware = u.Firmware
		}

		r.indexLocked(g, oldSerial, oldHost)

		applied++
	}

	return applied
}

// Get returns a copy of one gateway.
func (r *Registry) Get(id string) (models.GatewayDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[id]
	if !ok {
		return models.GatewayDescriptor{}, fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}

	return g.Clone(), nil
}

// List returns copies of the gateways matching filter, sorted by ID. A nil
// filter matches everything.
func (r *Registry) List(filter *Filter) []models.GatewayDescriptor {
	if filter == nil {
		filter = &Filter{}
	}

	r.mu.RLock()
	out := make([]models.GatewayDescriptor, 0, len(r.gateways))

	for _, g := range r.gateways {
		if filter.match(g) {
			out = append(out, g.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.GatewayDescriptor) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// ByPriority returns every gateway in ascending priority, ties broken by ID.
func (r *Registry) ByPriority() []models.GatewayDescriptor {
	out := r.List(nil)

	slices.SortStableFunc(out, func(a, b models.GatewayDescriptor) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Stats returns counts by health state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:         len(r.gateways),
		ByHealth:      make(map[models.HealthState]int, 3),
		LastDiscovery: r.lastDiscovery,
	}

	for _, g := range r.gateways {
		s.ByHealth[g.Health]++
	}

	return s
}
