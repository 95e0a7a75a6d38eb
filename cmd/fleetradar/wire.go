package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/fleetradar/pkg/credentials"
	"github.com/carverauto/fleetradar/pkg/db"
	"github.com/carverauto/fleetradar/pkg/discovery"
	"github.com/carverauto/fleetradar/pkg/fleet"
	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/health"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/natsutil"
	"github.com/carverauto/fleetradar/pkg/registry"
	"github.com/carverauto/fleetradar/pkg/roaming"
)

// build wires every component from cfg. The returned cleanup releases
// connections in reverse order and is safe to call after an error.
func build(ctx context.Context, cfg *fleet.Config, log logger.Logger) (*fleet.Poller, func(), error) {
	var closers []func()

	cleanup := func() {
		for _, c := range slices.Backward(closers) {
			c()
		}
	}

	fail := func(err error) (*fleet.Poller, func(), error) {
		cleanup()

		return nil, func() {}, err
	}

	component := func(name string) logger.Logger {
		return logger.Wrap(log.WithComponent(name))
	}

	var (
		nc        *nats.Conn
		publisher *natsutil.EventPublisher
	)

	if cfg.NATS != nil {
		var err error

		publisher, nc, err = natsutil.Open(ctx, cfg.NATS, component("nats"))
		if err != nil {
			return fail(err)
		}

		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
	}

	vault, err := buildVault(ctx, cfg, nc, log)
	if err != nil {
		return fail(err)
	}

	resolver := credentials.NewResolver(vault, cfg.Credentials, component("credentials"))
	snmp := gateway.NewSNMPClient(cfg.SNMP, component("snmp"))

	identifier := &discovery.SNMPIdentifier{
		Client:     snmp,
		Credential: models.Credential{Password: cfg.Discovery.Community},
	}

	strategies, err := discovery.Build(&cfg.Discovery, identifier, component("discovery"))
	if err != nil {
		log.Info().Err(err).Msg("Discovery disabled, using static gateways only")
	}

	reg := registry.New(strategies, cfg.Discovery.Timeout.Std(), component("registry"))
	if err := reg.Seed(cfg.Gateways); err != nil {
		return fail(fmt.Errorf("seed gateways: %w", err))
	}

	components := fleet.Components{
		Registry:    reg,
		Monitor:     health.NewMonitor(cfg.Health, reg, snmp, resolver, component("health")),
		Tracker:     roaming.NewTracker(cfg.Roaming, component("roaming")),
		Client:      snmp,
		Credentials: resolver,
	}

	if cfg.CNPG != nil {
		pool, err := db.NewCNPGPool(ctx, cfg.CNPG, component("cnpg"))
		if err != nil {
			return fail(err)
		}

		closers = append(closers, pool.Close)

		if err := db.RunMigrations(ctx, pool, component("cnpg")); err != nil {
			return fail(err)
		}

		components.Store = db.NewStore(pool, component("cnpg"))
	}

	if publisher != nil {
		components.Sink = publisher
	}

	poller, err := fleet.New(cfg, components, nil, component("poller"))
	if err != nil {
		return fail(err)
	}

	return poller, cleanup, nil
}

// buildVault prefers the sealed JetStream KV vault and falls back to the
// environment, alone or chained behind the KV vault.
func buildVault(ctx context.Context, cfg *fleet.Config, nc *nats.Conn, log logger.Logger) (credentials.Vault, error) {
	env := credentials.NewEnvVault("")

	if nc == nil || cfg.Credentials.IdentityFile == "" {
		log.Info().Msg("Using environment credential vault")

		return env, nil
	}

	identities, err := credentials.LoadIdentities(cfg.Credentials.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("load credential identities: %w", err)
	}

	js, err := natsutil.JetStream(nc, cfg.NATS.Domain)
	if err != nil {
		return nil, err
	}

	kv, err := credentials.NewKVVault(ctx, js, cfg.Credentials.Bucket, identities...)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("bucket", cfg.Credentials.Bucket).
		Bool("env_fallback", cfg.Credentials.EnvFallback).
		Msg("Using sealed KV credential vault")

	if cfg.Credentials.EnvFallback {
		return credentials.ChainVault{kv, env}, nil
	}

	return kv, nil
}
