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

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/version"
)

// InitializeLogger initializes the global logger. A nil config uses defaults.
func InitializeLogger(config *logger.Config) error {
	if config == nil {
		config = logger.DefaultConfig()
	}

	if err := logger.Init(config); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// CreateLogger creates a logger instance that can be injected into services.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	zlog, err := logger.NewZerolog(config)
	if err != nil {
		return nil, err
	}

	return logger.Wrap(zlog), nil
}

// CreateComponentLogger creates a logger for a specific component and, when
// the OTel section is enabled, starts the metrics exporter.
func CreateComponentLogger(ctx context.Context, component string, config *logger.Config) (logger.Logger, error) {
	if config == nil {
		config = logger.DefaultConfig()
	}

	zlog, err := logger.NewZerolog(config)
	if err != nil {
		return nil, err
	}

	log := logger.Wrap(zlog.With().Str("component", component).Logger())

	if config.OTel.Enabled {
		_, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
			ServiceName:    component,
			ServiceVersion: version.GetVersion(),
			OTel:           &config.OTel,
		})
		if err != nil && !errors.Is(err, logger.ErrOTelMetricsDisabled) {
			log.Warn().Err(err).Msg("Failed to initialize OTel metrics, continuing without export")
		}
	}

	return log, nil
}

// ShutdownLogger flushes pending telemetry.
func ShutdownLogger(ctx context.Context) error {
	return logger.Shutdown(ctx)
}
