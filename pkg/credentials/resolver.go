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

// Package credentials resolves per-gateway secret references to transient
// in-memory credentials. Concurrent resolutions for one gateway share a
// single vault lookup.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

const (
	defaultTTL          = 15 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	defaultBucket       = "fleetradar-credentials"
)

// Config configures the resolver and its vault.
type Config struct {
	TTL          models.Duration   `json:"ttl"`
	FetchTimeout models.Duration   `json:"fetch_timeout"`
	Retry        resilience.Config `json:"retry"`
	// Bucket is the JetStream KV bucket holding sealed credentials.
	Bucket string `json:"bucket"`
	// IdentityFile holds the age X25519 identity used to open sealed credentials.
	IdentityFile string `json:"identity_file"`
	// EnvFallback consults FLEETRADAR_SECRET_<REF>_* when the KV vault has no entry.
	EnvFallback bool `json:"env_fallback"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	c.TTL = c.TTL.OrDefault(defaultTTL)
	c.FetchTimeout = c.FetchTimeout.OrDefault(defaultFetchTimeout)

	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}

	return nil
}

type override struct {
	cred    models.Credential
	expires time.Time
}

// Resolver owns the credential handles of every registered gateway.
type Resolver struct {
	vault  Vault
	config Config
	policy resilience.Policy
	logger logger.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	handles   map[string]*models.CredentialHandle
	overrides map[string]override
	// generation is bumped whenever a gateway's cached credential is
	// discarded; a fetch started under an older generation is not cached.
	generation map[string]uint64

	metrics *resolverMetrics
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRetryPolicy replaces the policy derived from Config.Retry. The
// classifier is always IsRetryable.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Resolver) { r.metrics = newResolverMetrics(mp) }
}

// NewResolver creates a resolver backed by vault. cfg must be validated.
func NewResolver(vault Vault, cfg Config, log logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		vault:     vault,
		config:    cfg,
		policy:    cfg.Retry.Policy(IsRetryable),
		logger:    log,
		now:       time.Now,
		handles:    make(map[string]*models.CredentialHandle),
		overrides:  make(map[string]override),
		generation: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.policy.Retryable = IsRetryable

	if r.metrics == nil {
		r.metrics = newResolverMetrics(nil)
	}

	return r
}

// Register binds gatewayID to secretRef. Changing the reference drops any
// cached credential. An empty reference means the gateway needs no secret.
func (r *Resolver) Register(gatewayID, secretRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[gatewayID]
	if !ok {
		r.handles[gatewayID] = &models.CredentialHandle{
			GatewayID: gatewayID,
			SecretRef: secretRef,
			TTL:       r.config.TTL.Std(),
		}

		return
	}

	if h.SecretRef != secretRef {
		h.SecretRef = secretRef
		h.Clear()
		r.generation[gatewayID]++
		r.group.Forget(gatewayID)
	}
}

// Resolve returns the credential for gatewayID, fetching it from the vault at
// most once across concurrent callers.
func (r *Resolver) Resolve(ctx context.Context, gatewayID string) (models.Credential, error) {
	now := r.now()

	r.mu.Lock()

	if o, ok := r.overrides[gatewayID]; ok {
		if now.Before(o.expires) {
			r.mu.Unlock()

			return o.cred, nil
		}

		delete(r.overrides, gatewayID)
	}

	h, ok := r.handles[gatewayID]
	if !ok {
		r.mu.Unlock()

		return models.Credential{}, fmt.Errorf("%w: no secret reference registered for gateway %s", ErrSecretNotFound, gatewayID)
	}

	if h.SecretRef == "" {
		r.mu.Unlock()

		return models.Credential{}, nil
	}

	if h.Valid(now) {
		cred := *h.Resolved
		r.mu.Unlock()
		r.metrics.recordCacheHit(ctx)

		return cred, nil
	}

	secretRef := h.SecretRef
	gen := r.generation[gatewayID]
	r.mu.Unlock()

	ch := r.group.DoChan(gatewayID, func() (interface{}, error) {
		return r.fetch(ctx, gatewayID, secretRef, gen)
	})

	select {
	case <-ctx.Done():
		return models.Credential{}, fmt.Errorf("%w: %w", ErrVaultUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}

		return res.Val.(models.Credential), nil
	}
}

// fetch runs in the single-flight leader. Its context is detached from the
// caller so one impatient caller cannot fail the lookup for everyone waiting.
func (r *Resolver) fetch(ctx context.Context, gatewayID, secretRef string, gen uint64) (models.Credential, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.FetchTimeout.Std())
	defer cancel()

	policy := r.policy
	policy.OnRetry = func(err error, next time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("gateway_id", gatewayID).
			Dur("backoff", next).
			Msg("Vault unavailable, retrying credential fetch")
	}

	start := r.now()

	cred, err := resilience.WithRetry(fetchCtx, policy, func(ctx context.Context) (models.Credential, error) {
		return r.vault.Fetch(ctx, secretRef)
	})

	r.metrics.recordFetch(ctx, err, r.now().Sub(start))

	if err != nil {
		r.logger.Error().
			Err(err).
			Str("gateway_id", gatewayID).
			Bool("fatal", IsFatal(err)).
			Msg("Credential resolution failed")

		if !IsFatal(err) && !IsRetryable(err) {
			err = fmt.Errorf("%w: %w", ErrVaultUnavailable, err)
		}

		return models.Credential{}, err
	}

	if cred.Source == "" {
		cred.Source = models.CredentialSourceVault
	}

	r.mu.Lock()
	if h, ok := r.handles[gatewayID]; ok && h.SecretRef == secretRef && r.generation[gatewayID] == gen {
		c := cred
		h.Resolved = &c
		h.ResolvedAt = r.now()
	}
	r.mu.Unlock()

	return cred, nil
}

// Invalidate drops the cached credential so the next Resolve goes to the vault.
func (r *Resolver) Invalidate(gatewayID string) {
	r.mu.Lock()
	if h, ok := r.handles[gatewayID]; ok {
		h.Clear()
	}
	r.generation[gatewayID]++
	r.mu.Unlock()

	r.group.Forget(gatewayID)

	r.logger.Info().Str("gateway_id", gatewayID).Msg("Credential invalidated")
}

// SetOverride installs a temporary credential that wins over the vault until
// ttl elapses.
func (r *Resolver) SetOverride(gatewayID string, cred models.Credential, ttl time.Duration) {
	cred.Source = models.CredentialSourceOverride

	r.mu.Lock()
	r.overrides[gatewayID] = override{cred: cred, expires: r.now().Add(ttl)}
	r.mu.Unlock()

	r.logger.Info().
		Str("gateway_id", gatewayID).
		Dur("ttl", ttl).
		Msg("Temporary credential override installed")
}

// ClearOverride removes a temporary override.
func (r *Resolver) ClearOverride(gatewayID string) {
	r.mu.Lock()
	delete(r.overrides, gatewayID)
	r.mu.Unlock()
}

// Purge drops expired cached credentials and overrides and returns how many
// entries were removed.
func (r *Resolver) Purge() int {
	now := r.now()
	removed := 0

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.handles {
		if h.Resolved != nil && !h.Valid(now) {
			h.Clear()
			removed++
		}
	}

	for id, o := range r.overrides {
		if !now.Before(o.expires) {
			delete(r.overrides, id)
			removed++
		}
	}

	return removed
}

// Cached reports whether a live credential is cached for gatewayID.
func (r *Resolver) Cached(gatewayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[gatewayID]

	return ok && h.Valid(r.now())
}
