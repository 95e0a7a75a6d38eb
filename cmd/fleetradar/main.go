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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/carverauto/fleetradar/pkg/config"
	"github.com/carverauto/fleetradar/pkg/fleet"
	"github.com/carverauto/fleetradar/pkg/lifecycle"
	"github.com/carverauto/fleetradar/pkg/version"
)

const serviceName = "fleetradar"

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "/etc/fleetradar/fleetradar.json", "Path to fleetradar config file")
	once := pflag.Bool("once", false, "Run a single poll cycle, print its summary and exit")
	devices := pflag.Bool("devices", false, "List the devices seen by the best reachable gateway and exit")
	showVersion := pflag.BoolP("version", "v", false, "Print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())

		return nil
	}

	ctx := context.Background()

	var cfg fleet.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	fleetLogger, err := lifecycle.CreateComponentLogger(ctx, serviceName, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() {
		if err := lifecycle.ShutdownLogger(context.Background()); err != nil {
			log.Printf("Failed to flush telemetry: %v", err)
		}
	}()

	fleetLogger.Info().Str("version", version.GetFullVersion()).Msg("Starting fleetradar")

	poller, cleanup, err := build(ctx, &cfg, fleetLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch {
	case *devices:
		snaps, served, err := poller.Devices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		return printJSON(map[string]any{"gateway_id": served, "devices": snaps})
	case *once:
		summary, err := poller.SyncNow(ctx)
		if err != nil {
			return fmt.Errorf("poll cycle: %w", err)
		}

		return printJSON(summary)
	}

	return lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		ServiceName: serviceName,
		Service:     poller,
		Logger:      fleetLogger,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
