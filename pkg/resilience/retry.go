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

// Package resilience provides the retry and failover helpers shared by the
// health monitor, the credential resolver and the fleet poller.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.5
)

// Policy controls WithRetry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay (0 disables it).
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil retries nothing.
	Retryable func(error) bool
	// OnRetry, when set, is called before sleeping for the next attempt.
	OnRetry func(err error, next time.Duration)
}

// Config is the JSON form of a Policy.
type Config struct {
	MaxAttempts int             `json:"max_attempts"`
	BaseDelay   models.Duration `json:"base_delay"`
	MaxDelay    models.Duration `json:"max_delay"`
	Jitter      *float64        `json:"jitter,omitempty"`
}

// Policy converts the configuration, applying defaults, with the given classifier.
func (c Config) Policy(retryable func(error) bool) Policy {
	p := DefaultPolicy(retryable)

	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}

	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay.Std()
	}

	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay.Std()
	}

	if c.Jitter != nil {
		p.Jitter = *c.Jitter
	}

	return p
}

// DefaultPolicy returns three attempts, 1s base delay doubling up to 30s, with jitter.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
		Retryable:   retryable,
	}
}

func (p *Policy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.RandomizationFactor = p.Jitter

	if p.Multiplier > 0 {
		bo.Multiplier = p.Multiplier
	}

	if bo.InitialInterval <= 0 {
		bo.InitialInterval = DefaultBaseDelay
	}

	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}

	return bo
}

// WithRetry runs op up to policy.MaxAttempts times with exponential backoff.
// Only errors accepted by policy.Retryable are retried. It returns the first
// success or the last error. If ctx ends while waiting, the returned error
// wraps both the context error and the last operation error.
func WithRetry[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error

	operation := func() (T, error) {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}

		lastErr = err

		if policy.Retryable == nil || !policy.Retryable(err) {
			return res, backoff.Permanent(err)
		}

		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(attempts)), //nolint:gosec // attempts is positive
	}

	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(policy.OnRetry))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return res, fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
	}

	return res, err
}
