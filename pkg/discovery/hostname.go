package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

// HostnameConfig lists well-known gateway names to resolve.
type HostnameConfig struct {
	Enabled bool     `json:"enabled"`
	Names   []string `json:"names"`
	Port    int      `json:"port"`
}

// DefaultHostnames are the names consumer routers and mesh repeaters
// commonly answer to on a home or small-office LAN.
func DefaultHostnames() []string {
	return []string{"fritz.box", "fritz.repeater", "myfritz.box", "router.lan", "gateway.lan"}
}

// Resolver is the subset of *net.Resolver used by the hostname strategy.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// HostnameStrategy resolves configured names and optionally confirms each
// with an Identifier.
type HostnameStrategy struct {
	config   HostnameConfig
	resolver Resolver
	identify Identifier
	logger   logger.Logger
}

var _ Strategy = (*HostnameStrategy)(nil)

// NewHostnameStrategy creates the strategy. id may be nil, in which case a
// resolving name is accepted without confirmation.
func NewHostnameStrategy(cfg HostnameConfig, id Identifier, log logger.Logger) *HostnameStrategy {
	if cfg.Port == 0 {
		cfg.Port = models.DefaultGatewayPort
	}

	return &HostnameStrategy{config: cfg, resolver: net.DefaultResolver, identify: id, logger: log}
}

// WithResolver replaces the DNS resolver.
func (s *HostnameStrategy) WithResolver(r Resolver) *HostnameStrategy {
	s.resolver = r

	return s
}

func (*HostnameStrategy) Name() string { return string(KindHostname) }

func (*HostnameStrategy) Kind() Kind { return KindHostname }

// Discover implements Strategy.
func (s *HostnameStrategy) Discover(ctx context.Context, timeout time.Duration) ([]models.GatewayDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(timeout))
	defer cancel()

	var (
		mu    sync.Mutex
		found []models.GatewayDescriptor
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range s.config.Names {
		g.Go(func() error {
			desc, ok := s.discoverName(gctx, name)
			if ok {
				mu.Lock()
				found = append(found, desc)
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return found, ctx.Err()
}

func (s *HostnameStrategy) discoverName(ctx context.Context, name string) (models.GatewayDescriptor, bool) {
	addrs, err := s.resolver.LookupHost(ctx, name)
	if err != nil || len(addrs) == 0 {
		s.logger.Debug().Err(err).Str("hostname", name).Msg("Hostname did not resolve")

		return models.GatewayDescriptor{}, false
	}

	if s.identify == nil {
		desc := models.GatewayDescriptor{
			Hostname:     name,
			Port:         s.config.Port,
			Nickname:     name,
			Capabilities: []models.Capability{models.CapabilityProbe, models.CapabilityListDevices},
			DiscoveredBy: []string{s.Name()},
		}
		desc.ID = models.DeriveGatewayID(desc.Hostname, desc.Port, "")

		return desc, true
	}

	id, err := s.identify.Identify(ctx, name, s.config.Port)
	if err != nil {
		s.logger.Debug().Err(err).Str("hostname", name).Msg("Resolved host is not a manageable gateway")

		return models.GatewayDescriptor{}, false
	}

	desc := descriptorFromIdentity(name, s.config.Port, id, s.Name())
	if desc.Nickname == "" {
		desc.Nickname = name
	}

	return desc, true
}
