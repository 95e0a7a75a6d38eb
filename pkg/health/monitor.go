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

// Package health probes every registered gateway on each cycle and moves it
// through healthy, degraded and unreachable with hysteresis so a single
// dropped probe never flips its state.
package health

//go:generate mockgen -destination=mock_health.go -package=health github.com/carverauto/fleetradar/pkg/health CredentialSource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetradar/pkg/credentials"
	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/registry"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

// ewmaWeight is the share of a new sample in the smoothed response time.
const ewmaWeight = 0.2

var errCycleDeadline = errors.New("health check did not finish before the cycle deadline")

// Registry is the part of the gateway registry the monitor reads and writes.
type Registry interface {
	List(filter *registry.Filter) []models.GatewayDescriptor
	Get(id string) (models.GatewayDescriptor, error)
	RecordHealth(updates ...registry.HealthUpdate) int
}

// CredentialSource resolves the credential used for a probe.
type CredentialSource interface {
	Resolve(ctx context.Context, gatewayID string) (models.Credential, error)
	Invalidate(gatewayID string)
}

// HealthResult is the outcome of one check.
type HealthResult struct {
	GatewayID    string
	Hostname     string
	Previous     models.HealthState
	Current      models.HealthState
	Transitioned bool
	Outcome      gateway.FailureClass
	Err          error
	Latency      time.Duration
	CheckedAt    time.Time
	Counters     Counters
	ResponseTime time.Duration
	Probe        gateway.ProbeResult
}

// Event converts the result into the payload published for transitions.
func (r *HealthResult) Event() models.GatewayHealthEventData {
	ev := models.GatewayHealthEventData{
		GatewayID:     r.GatewayID,
		Hostname:      r.Hostname,
		PreviousState: r.Previous,
		CurrentState:  r.Current,
		Outcome:       r.Outcome.String(),
		Latency:       r.Latency,
		Timestamp:     r.CheckedAt,
	}

	if r.Err != nil {
		ev.Error = r.Err.Error()
	}

	return ev
}

func (r *HealthResult) update() registry.HealthUpdate {
	u := registry.HealthUpdate{
		GatewayID:               r.GatewayID,
		Health:                  r.Current,
		ConsecutiveSoftFailures: r.Counters.Soft,
		ConsecutiveHardFailures: r.Counters.Hard,
		ConsecutiveSuccesses:    r.Counters.Successes,
		CheckedAt:               r.CheckedAt,
		ResponseTime:            r.ResponseTime,
		Serial:                  r.Probe.Serial,
		Model:                   r.Probe.Model,
		Firmware:                r.Probe.Firmware,
	}

	if r.Err != nil {
		u.LastError = r.Err.Error()
	}

	return u
}

// Listener is notified after a transition has been written to the registry.
type Listener func(ctx context.Context, result HealthResult)

// Monitor runs health checks against the registry's gateways.
type Monitor struct {
	config   Config
	registry Registry
	client   gateway.Client
	creds    CredentialSource
	logger   logger.Logger
	now      func() time.Time
	policy   resilience.Policy

	mu        sync.RWMutex
	listeners []Listener

	metrics *monitorMetrics
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now for check timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Monitor) { m.metrics = newMonitorMetrics(mp) }
}

// NewMonitor creates a monitor. cfg must be validated.
func NewMonitor(cfg Config, reg Registry, client gateway.Client, creds CredentialSource, log logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		config:   cfg,
		registry: reg,
		client:   client,
		creds:    creds,
		logger:   log,
		now:      time.Now,
		policy:   cfg.ProtocolRetry.Policy(isProtocolError),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.metrics == nil {
		m.metrics = newMonitorMetrics(nil)
	}

	return m
}

func isProtocolError(err error) bool {
	return errors.Is(err, gateway.ErrProtocolError)
}

// OnTransition registers l for every state change.
func (m *Monitor) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, l)
}

// CurrentHealth returns the recorded state of one gateway.
func (m *Monitor) CurrentHealth(gatewayID string) (models.HealthState, error) {
	g, err := m.registry.Get(gatewayID)
	if err != nil {
		return "", err
	}

	return CountersOf(&g).State, nil
}

// CheckOnce probes gw, records the outcome in the registry and notifies
// listeners if the state changed.
func (m *Monitor) CheckOnce(ctx context.Context, gw *models.GatewayDescriptor) HealthResult {
	res := m.check(ctx, gw)
	m.commit(ctx, []HealthResult{res})

	return res
}

// RunCycle checks every registered gateway with a bounded worker pool. Checks
// still running at the cycle deadline are recorded as soft failures. Results
// are returned in registry order.
func (m *Monitor) RunCycle(ctx context.Context) ([]HealthResult, error) {
	gateways := m.registry.List(nil)
	if len(gateways) == 0 {
		return nil, nil
	}

	start := time.Now()

	cycleCtx, cancel := context.WithTimeout(ctx, m.config.CycleDeadline.Std())
	defer cancel()

	var (
		mu     sync.Mutex
		sealed bool
	)

	results := make([]HealthResult, len(gateways))
	done := make([]bool, len(gateways))
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		g := new(errgroup.Group)
		g.SetLimit(m.config.Workers)

		for i := range gateways {
			if cycleCtx.Err() != nil {
				break
			}

			g.Go(func() error {
				res := m.check(cycleCtx, &gateways[i])

				mu.Lock()
				defer mu.Unlock()

				if !sealed {
					results[i] = res
					done[i] = true
				}

				return nil
			})
		}

		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-cycleCtx.Done():
	}

	mu.Lock()
	sealed = true
	mu.Unlock()

	// Shutdown: keep what completed, do not charge the rest.
	if ctx.Err() != nil {
		completed := make([]HealthResult, 0, len(results))

		for i := range results {
			if done[i] {
				completed = append(completed, results[i])
			}
		}

		m.commit(ctx, completed)

		return completed, ctx.Err()
	}

	stragglers := 0

	for i := range gateways {
		if !done[i] {
			results[i] = m.straggler(&gateways[i])
			stragglers++
		}
	}

	m.commit(ctx, results)
	m.metrics.recordCycle(ctx, time.Since(start), stragglers)

	if stragglers > 0 {
		m.logger.Warn().
			Int("stragglers", stragglers).
			Int("gateways", len(gateways)).
			Dur("deadline", m.config.CycleDeadline.Std()).
			Msg("Health checks exceeded the cycle deadline")
	}

	return results, nil
}

func (m *Monitor) straggler(gw *models.GatewayDescriptor) HealthResult {
	prev := CountersOf(gw)
	next, transitioned := Apply(prev, gateway.ClassSoft, m.config.thresholds())

	return HealthResult{
		GatewayID:    gw.ID,
		Hostname:     gw.Hostname,
		Previous:     prev.State,
		Current:      next.State,
		Transitioned: transitioned,
		Outcome:      gateway.ClassSoft,
		Err:          fmt.Errorf("%w: %w", errCycleDeadline, context.DeadlineExceeded),
		Latency:      m.config.CycleDeadline.Std(),
		CheckedAt:    m.now(),
		Counters:     next,
		ResponseTime: gw.ResponseTime,
	}
}

// check runs one probe and computes the next state without recording it.
func (m *Monitor) check(ctx context.Context, gw *models.GatewayDescriptor) HealthResult {
	start := time.Now()
	prev := CountersOf(gw)

	probe, err := m.probe(ctx, gw)

	latency := time.Since(start)
	if err == nil && probe.Latency > 0 {
		latency = probe.Latency
	}

	outcome := gateway.Classify(err)
	next, transitioned := Apply(prev, outcome, m.config.thresholds())

	res := HealthResult{
		GatewayID:    gw.ID,
		Hostname:     gw.Hostname,
		Previous:     prev.State,
		Current:      next.State,
		Transitioned: transitioned,
		Outcome:      outcome,
		Err:          err,
		Latency:      latency,
		CheckedAt:    m.now(),
		Counters:     next,
		ResponseTime: gw.ResponseTime,
		Probe:        probe,
	}

	if err == nil {
		res.ResponseTime = smooth(gw.ResponseTime, latency)
	} else {
		m.logger.Debug().
			Err(err).
			Str("gateway_id", gw.ID).
			Str("outcome", outcome.String()).
			Msg("Gateway health check failed")
	}

	if transitioned && next.State == models.HealthUnreachable && gateway.IsAuthFailure(err) {
		m.creds.Invalidate(gw.ID)
	}

	m.metrics.recordCheck(ctx, outcome, latency)

	return res
}

// probe resolves the credential and calls the gateway, retrying protocol
// errors within the configured bound. A protocol error that survives its
// retries is reported as ErrProtocolRetriesExhausted.
func (m *Monitor) probe(ctx context.Context, gw *models.GatewayDescriptor) (gateway.ProbeResult, error) {
	cred, err := m.creds.Resolve(ctx, gw.ID)
	if err != nil {
		if credentials.IsFatal(err) {
			return gateway.ProbeResult{}, fmt.Errorf("%w: %w", gateway.ErrAuthenticationFailed, err)
		}

		return gateway.ProbeResult{}, err
	}

	res, err := resilience.WithRetry(ctx, m.policy, func(ctx context.Context) (gateway.ProbeResult, error) {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout.Std())
		defer cancel()

		return m.client.Probe(probeCtx, gw, cred)
	})
	if err != nil && ctx.Err() == nil && isProtocolError(err) {
		return res, fmt.Errorf("%w: %w", gateway.ErrProtocolRetriesExhausted, err)
	}

	return res, err
}

// commit writes results to the registry, then notifies listeners of transitions.
func (m *Monitor) commit(ctx context.Context, results []HealthResult) {
	if len(results) == 0 {
		return
	}

	updates := make([]registry.HealthUpdate, 0, len(results))
	for i := range results {
		updates = append(updates, results[i].update())
	}

	m.registry.RecordHealth(updates...)

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	for i := range results {
		res := &results[i]
		if !res.Transitioned {
			continue
		}

		m.logTransition(res)
		m.metrics.recordTransition(ctx, res.Previous, res.Current)

		for _, l := range listeners {
			l(ctx, *res)
		}
	}
}

func (m *Monitor) logTransition(res *HealthResult) {
	ev := m.logger.Info()
	if res.Current != models.HealthHealthy {
		ev = m.logger.Warn()
	}

	if res.Err != nil {
		ev = ev.Err(res.Err)
	}

	ev.Str("gateway_id", res.GatewayID).
		Str("from", string(res.Previous)).
		Str("to", string(res.Current)).
		Str("outcome", res.Outcome.String()).
		Msg("Gateway health changed")
}

// smooth folds a new latency sample into the running response time.
func smooth(prev, sample time.Duration) time.Duration {
	if prev <= 0 {
		return sample
	}

	return time.Duration((1-ewmaWeight)*float64(prev) + ewmaWeight*float64(sample))
}
