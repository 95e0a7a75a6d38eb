package fleet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/health"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/registry"
	"github.com/carverauto/fleetradar/pkg/resilience"
	"github.com/carverauto/fleetradar/pkg/roaming"
)

const clockSkewStep = time.Millisecond

var (
	// ErrCycleInProgress is returned when a cycle is requested while another
	// one is still running.
	ErrCycleInProgress  = errors.New("a poll cycle is already running")
	errMissingComponent = errors.New("fleet poller component is required")

	reachable = []models.HealthState{models.HealthHealthy, models.HealthDegraded}
)

// Components are the collaborators of a Poller. Store and Sink are optional.
type Components struct {
	Registry    *registry.Registry
	Monitor     *health.Monitor
	Tracker     *roaming.Tracker
	Client      gateway.Client
	Credentials Credentials
	Store       roaming.Store
	Sink        EventSink
}

// CycleSummary describes one poll cycle.
type CycleSummary struct {
	Timestamp time.Time
	// Discovered is the number of gateways discovery returned, or -1 when
	// discovery did not run this cycle.
	Discovered  int
	Health      []health.HealthResult
	FetchErrors map[string]string
	Roaming     roaming.CycleResult
}

// Poller runs the poll cycle on a fixed interval.
type Poller struct {
	config     *Config
	components Components
	clock      Clock
	logger     logger.Logger
	metrics    *pollerMetrics

	fetchPolicy resilience.Policy

	running atomic.Bool

	mu            sync.Mutex
	lastDiscovery time.Time
	lastCycle     time.Time
	cancel        context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises a Poller.
type Option func(*Poller)

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Poller) { p.metrics = newPollerMetrics(mp) }
}

// New creates a poller. cfg must be validated. A nil clock uses real time.
// When a sink is configured, health transitions are published to it.
func New(cfg *Config, c Components, clock Clock, log logger.Logger, opts ...Option) (*Poller, error) {
	switch {
	case c.Registry == nil:
		return nil, fmt.Errorf("%w: registry", errMissingComponent)
	case c.Monitor == nil:
		return nil, fmt.Errorf("%w: health monitor", errMissingComponent)
	case c.Tracker == nil:
		return nil, fmt.Errorf("%w: roaming tracker", errMissingComponent)
	case c.Client == nil:
		return nil, fmt.Errorf("%w: gateway client", errMissingComponent)
	case c.Credentials == nil:
		return nil, fmt.Errorf("%w: credentials", errMissingComponent)
	}

	if clock == nil {
		clock = realClock{}
	}

	p := &Poller{
		config:      cfg,
		components:  c,
		clock:       clock,
		logger:      log,
		fetchPolicy: cfg.fetchPolicy(),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = newPollerMetrics(nil)
	}

	p.fetchPolicy.OnRetry = func(err error, next time.Duration) {
		p.logger.Debug().Err(err).Dur("backoff", next).Msg("Retrying device listing")
	}

	if c.Sink != nil {
		c.Monitor.OnTransition(p.publishHealth)
	}

	return p, nil
}

// Start implements the lifecycle.Service interface. It restores sessions
// from the store, runs one cycle immediately and then one per tick.
func (p *Poller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	defer p.wg.Done()

	p.restore(ctx)

	interval := p.config.PollInterval.Std()
	ticker := p.clock.Ticker(interval)

	defer ticker.Stop()

	p.logger.Info().Dur("interval", interval).Msg("Starting fleet poller")

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.done:
				return nil
			default:
			}

			return ctx.Err()
		case <-p.done:
			return nil
		case <-ticker.Chan():
			p.wg.Add(1)

			go func() {
				defer p.wg.Done()

				p.tick(ctx)
			}()
		}
	}
}

// Stop implements the lifecycle.Service interface. In-flight cycles are
// cancelled and awaited until ctx expires.
func (p *Poller) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)
	})

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	stopped := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		p.logger.Info().Msg("Fleet poller stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for poll cycles: %w", ctx.Err())
	}
}

// SyncNow runs one cycle synchronously. It returns ErrCycleInProgress when a
// cycle is already running.
func (p *Poller) SyncNow(ctx context.Context) (CycleSummary, error) {
	return p.runCycle(ctx)
}

func (p *Poller) tick(ctx context.Context) {
	summary, err := p.runCycle(ctx)

	switch {
	case errors.Is(err, ErrCycleInProgress):
	case err != nil && ctx.Err() != nil:
		p.logger.Debug().Err(err).Msg("Poll cycle cancelled")
	case err != nil:
		p.logger.Error().Err(err).Msg("Poll cycle failed")
	default:
		p.logger.Debug().
			Time("cycle", summary.Timestamp).
			Int("health_checks", len(summary.Health)).
			Int("reported", len(summary.Roaming.Reported)).
			Int("events", len(summary.Roaming.Events)).
			Msg("Poll cycle complete")
	}
}

func (p *Poller) runCycle(ctx context.Context) (CycleSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.recordDroppedTick(ctx)
		p.logger.Warn().Msg("Previous poll cycle still running, dropping tick")

		return CycleSummary{}, ErrCycleInProgress
	}
	defer p.running.Store(false)

	start := p.clock.Now()
	summary, err := p.cycle(ctx, start)

	result := "ok"
	if err != nil {
		result = "error"
	}

	p.metrics.recordCycle(ctx, result, p.clock.Now().Sub(start))

	return summary, err
}

func (p *Poller) cycle(ctx context.Context, now time.Time) (CycleSummary, error) {
	summary := CycleSummary{Timestamp: now, Discovered: -1}

	if p.discoveryDue(now) {
		found, err := p.components.Registry.Discover(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Gateway discovery failed")
		} else {
			summary.Discovered = len(found)
		}

		p.mu.Lock()
		p.lastDiscovery = now
		p.mu.Unlock()
	}

	p.bindSecrets()

	if n := p.components.Credentials.Purge(); n > 0 {
		p.logger.Debug().Int("purged", n).Msg("Purged expired credentials")
	}

	results, err := p.components.Monitor.RunCycle(ctx)
	summary.Health = results

	if err != nil {
		return summary, fmt.Errorf("health cycle: %w", err)
	}

	ts := p.cycleTimestamp(now)
	summary.Timestamp = ts

	gateways := p.components.Registry.List(&registry.Filter{Health: reachable})

	res, fetchErrs, err := p.collect(ctx, ts, gateways)
	summary.Roaming = res
	summary.FetchErrors = fetchErrs

	if err != nil {
		return summary, err
	}

	p.persist(ctx, &res)

	return summary, nil
}

func (p *Poller) discoveryDue(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastDiscovery.IsZero() || now.Sub(p.lastDiscovery) >= p.config.Discovery.Interval.Std()
}

// bindSecrets registers every known gateway with the resolver. Gateways
// without a secret reference resolve to an empty credential.
func (p *Poller) bindSecrets() {
	for _, gw := range p.components.Registry.List(nil) {
		p.components.Credentials.Register(gw.ID, gw.SecretRef)
	}
}

// cycleTimestamp keeps roaming cycles strictly ordered when the wall clock
// steps backwards.
func (p *Poller) cycleTimestamp(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !now.After(p.lastCycle) {
		p.logger.Warn().
			Time("now", now).
			Time("last_cycle", p.lastCycle).
			Msg("Clock did not advance since the previous cycle")

		now = p.lastCycle.Add(clockSkewStep)
	}

	p.lastCycle = now

	return now
}

// collect lists devices on every gateway concurrently and correlates when
// all have reported or the fetch timeout expires, whichever comes first.
// Reports arriving after correlation are discarded by the tracker.
func (p *Poller) collect(ctx context.Context, ts time.Time, gateways []models.GatewayDescriptor) (roaming.CycleResult, map[string]string, error) {
	tracker := p.components.Tracker

	expected := make([]roaming.CycleGateway, len(gateways))
	for i := range gateways {
		expected[i] = roaming.CycleGateway{ID: gateways[i].ID, Priority: gateways[i].Priority}
	}

	if err := tracker.BeginCycle(ts, expected); err != nil {
		return roaming.CycleResult{}, nil, fmt.Errorf("begin roaming cycle: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout.Std())
	defer cancel()

	var (
		mu       sync.Mutex
		failures = make(map[string]string)
	)

	finished := make(chan struct{})

	go func() {
		defer close(finished)

		var g errgroup.Group

		g.SetLimit(p.config.FetchWorkers)

		for i := range gateways {
			gw := gateways[i]

			g.Go(func() error {
				snaps, err := p.fetch(fetchCtx, &gw)
				if err == nil {
					err = tracker.Ingest(gw.ID, snaps, ts)
				}

				if err != nil {
					mu.Lock()
					failures[gw.ID] = err.Error()
					mu.Unlock()

					p.logger.Warn().
						Err(err).
						Str("gateway_id", gw.ID).
						Msg("Device listing failed")
				}

				return nil
			})
		}

		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-fetchCtx.Done():
	}

	mu.Lock()
	fetchErrs := maps.Clone(failures)
	mu.Unlock()

	res, err := tracker.Correlate(ctx)
	if err != nil {
		return res, fetchErrs, fmt.Errorf("correlate: %w", err)
	}

	if len(res.Missing) > 0 {
		p.logger.Warn().
			Strs("missing", res.Missing).
			Time("cycle", ts).
			Msg("Correlated without every gateway")
	}

	return res, fetchErrs, nil
}

func (p *Poller) fetch(ctx context.Context, gw *models.GatewayDescriptor) ([]models.DeviceSnapshot, error) {
	cred, err := p.components.Credentials.Resolve(ctx, gw.ID)
	if err != nil {
		p.metrics.recordFetch(ctx, "credential_error")

		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	snaps, err := resilience.WithRetry(ctx, p.fetchPolicy, func(ctx context.Context) ([]models.DeviceSnapshot, error) {
		return p.components.Client.ListDevices(ctx, gw, cred)
	})
	if err != nil {
		p.metrics.recordFetch(ctx, gateway.Classify(err).String())

		return nil, err
	}

	p.metrics.recordFetch(ctx, "success")

	return snaps, nil
}

// persist writes the cycle's events and sessions and publishes its events.
// Failures are logged and counted; they never fail the cycle.
func (p *Poller) persist(ctx context.Context, res *roaming.CycleResult) {
	if store := p.components.Store; store != nil {
		if err := store.AppendEvents(ctx, res.Events); err != nil {
			p.metrics.recordSinkFailure(ctx, "store_events")
			p.logger.Error().Err(err).Int("events", len(res.Events)).Msg("Failed to store roaming events")
		}

		if err := store.UpsertSessions(ctx, res.Sessions); err != nil {
			p.metrics.recordSinkFailure(ctx, "store_sessions")
			p.logger.Error().Err(err).Int("sessions", len(res.Sessions)).Msg("Failed to store device sessions")
		}
	}

	if sink := p.components.Sink; sink != nil && len(res.Events) > 0 {
		if err := sink.PublishRoamingEvents(ctx, res.Events); err != nil {
			p.metrics.recordSinkFailure(ctx, "publish_roaming")
			p.logger.Error().Err(err).Int("events", len(res.Events)).Msg("Failed to publish roaming events")
		}
	}
}

func (p *Poller) publishHealth(ctx context.Context, res health.HealthResult) {
	if err := p.components.Sink.PublishHealthEvent(ctx, res.Event()); err != nil {
		p.metrics.recordSinkFailure(ctx, "publish_health")
		p.logger.Error().Err(err).Str("gateway_id", res.GatewayID).Msg("Failed to publish health event")
	}
}

// restore reloads open sessions when the store can provide them.
func (p *Poller) restore(ctx context.Context) {
	loader, ok := p.components.Store.(SessionLoader)
	if !ok {
		return
	}

	sessions, err := loader.ActiveSessions(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not load open device sessions")

		return
	}

	if _, err := p.components.Tracker.Restore(sessions); err != nil {
		p.logger.Warn().Err(err).Msg("Could not restore device sessions")

		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range sessions {
		if sessions[i].LastSeenAt.After(p.lastCycle) {
			p.lastCycle = sessions[i].LastSeenAt
		}
	}
}

// WithGateway runs op against the best reachable gateway and fails over in
// priority order. When no gateway is reachable every known gateway is tried,
// still in priority order. It returns op's result and the ID of the gateway
// that served it.
func WithGateway[T any](
	ctx context.Context,
	p *Poller,
	op func(ctx context.Context, gw *models.GatewayDescriptor, cred models.Credential) (T, error),
) (T, string, error) {
	p.bindSecrets()

	group := p.components.Registry.List(&registry.Filter{Health: reachable})
	if len(group) == 0 {
		group = p.components.Registry.ByPriority()

		p.logger.Warn().
			Int("gateways", len(group)).
			Msg("No reachable gateway, trying unreachable gateways by priority")
	}

	return resilience.WithFailover(ctx, group, func(ctx context.Context, gw *models.GatewayDescriptor) (T, error) {
		cred, err := p.components.Credentials.Resolve(ctx, gw.ID)
		if err != nil {
			var zero T

			return zero, fmt.Errorf("resolve credential: %w", err)
		}

		return op(ctx, gw, cred)
	})
}

// Devices lists the devices seen by the best reachable gateway.
func (p *Poller) Devices(ctx context.Context) ([]models.DeviceSnapshot, string, error) {
	return WithGateway(ctx, p, func(ctx context.Context, gw *models.GatewayDescriptor, cred models.Credential) ([]models.DeviceSnapshot, error) {
		return p.components.Client.ListDevices(ctx, gw, cred)
	})
}
