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

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/fleetradar/pkg/resilience"
)

// PostgreSQL SQLSTATE codes for transient errors that should be retried.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateInternalError       = "XX000"
	sqlstateStatementTimeout    = "57014"
)

// Defaults for batch retries.
const (
	defaultBatchMaxAttempts = 3
	defaultBatchBaseDelay   = 150 * time.Millisecond
	defaultBatchMaxDelay    = 2 * time.Second
)

// classifyCNPGError returns the SQLSTATE of err and whether it is transient.
func classifyCNPGError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed,
			sqlstateInternalError, sqlstateStatementTimeout:
			return pgErr.Code, true
		}

		return pgErr.Code, false
	}

	// Fallback to string matching for wrapped errors
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "40p01"), strings.Contains(msg, "deadlock detected"):
		return sqlstateDeadlockDetected, true
	case strings.Contains(msg, "40001"), strings.Contains(msg, "could not serialize access"):
		return sqlstateSerializationFailed, true
	case strings.Contains(msg, "xx000"), strings.Contains(msg, "internal error"):
		return sqlstateInternalError, true
	case strings.Contains(msg, "57014"), strings.Contains(msg, "statement timeout"):
		return sqlstateStatementTimeout, true
	default:
		return "", false
	}
}

func isTransient(err error) bool {
	_, transient := classifyCNPGError(err)
	return transient
}

// defaultBatchPolicy retries transient SQLSTATEs with short exponential backoff.
func defaultBatchPolicy() resilience.Policy {
	p := resilience.DefaultPolicy(isTransient)
	p.MaxAttempts = defaultBatchMaxAttempts
	p.BaseDelay = defaultBatchBaseDelay
	p.MaxDelay = defaultBatchMaxDelay

	return p
}

// sendWithRetry sends batch, retrying the whole batch on transient errors.
func (s *Store) sendWithRetry(ctx context.Context, batch *pgx.Batch, name string) error {
	policy := s.policy
	policy.Retryable = isTransient
	policy.OnRetry = func(err error, next time.Duration) {
		code, _ := classifyCNPGError(err)
		s.metrics.recordRetry(ctx, name, code)

		s.logger.Warn().
			Err(err).
			Str("sqlstate", code).
			Str("batch_name", name).
			Dur("backoff", next).
			Msg("cnpg transient error, retrying")
	}

	_, err := resilience.WithRetry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, sendBatchExecAll(ctx, batch, s.conn.SendBatch, name)
	})
	if err != nil {
		code, _ := classifyCNPGError(err)
		s.metrics.recordFailure(ctx, name, code)

		return fmt.Errorf("cnpg %s: %w", name, err)
	}

	return nil
}

func sendBatchExecAll(ctx context.Context, batch *pgx.Batch, send func(context.Context, *pgx.Batch) pgx.BatchResults, operation string) (err error) {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	br := send(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%s batch close: %w", operation, closeErr)
		}
	}()

	for i := range batch.Len() {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("%s batch exec (command %d): %w", operation, i, err)
		}
	}

	return nil
}
