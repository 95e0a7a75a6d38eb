package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	defaultSweepConcurrency = 32
	defaultSweepMaxHosts    = 1024
	defaultAutoDetectBits   = 24
)

var (
	errNoSeeds         = errors.New("subnet sweep enabled without seeds or auto_detect")
	errSweepIdentifier = errors.New("subnet sweep requires an identifier")
)

// SweepConfig configures the subnet sweep. Seeds are CIDRs or single
// addresses. When Offsets is set only those host offsets of each network are
// probed (1 and 254 are where routers usually sit).
type SweepConfig struct {
	Enabled     bool     `json:"enabled"`
	Seeds       []string `json:"seeds"`
	AutoDetect  bool     `json:"auto_detect"`
	Offsets     []int    `json:"offsets,omitempty"`
	Port        int      `json:"port"`
	Concurrency int      `json:"concurrency"`
	MaxHosts    int      `json:"max_hosts"`
}

func (c *SweepConfig) validate() error {
	if len(c.Seeds) == 0 && !c.AutoDetect {
		return errNoSeeds
	}

	for _, seed := range c.Seeds {
		if _, err := parseSeed(seed); err != nil {
			return err
		}
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultSweepConcurrency
	}

	if c.MaxHosts <= 0 {
		c.MaxHosts = defaultSweepMaxHosts
	}

	return nil
}

// SweepStrategy identifies every candidate address of the configured subnets.
type SweepStrategy struct {
	config     SweepConfig
	identify   Identifier
	logger     logger.Logger
	interfaces func() ([]net.Addr, error)
}

var _ Strategy = (*SweepStrategy)(nil)

// NewSweepStrategy creates the strategy. cfg must be validated.
func NewSweepStrategy(cfg SweepConfig, id Identifier, log logger.Logger) *SweepStrategy {
	if cfg.Port == 0 {
		cfg.Port = models.DefaultGatewayPort
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSweepConcurrency
	}

	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = defaultSweepMaxHosts
	}

	return &SweepStrategy{config: cfg, identify: id, logger: log, interfaces: net.InterfaceAddrs}
}

func (*SweepStrategy) Name() string { return "snmp_sweep" }

func (*SweepStrategy) Kind() Kind { return KindSubnetSweep }

// Discover implements Strategy.
func (s *SweepStrategy) Discover(ctx context.Context, timeout time.Duration) ([]models.GatewayDescriptor, error) {
	if s.identify == nil {
		return nil, errSweepIdentifier
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(timeout))
	defer cancel()

	seeds := slices.Clone(s.config.Seeds)
	if s.config.AutoDetect {
		seeds = append(seeds, s.localSeeds()...)
	}

	targets := expandTargets(seeds, s.config.Offsets, s.config.MaxHosts)

	s.logger.Debug().
		Int("targets", len(targets)).
		Strs("seeds", seeds).
		Msg("Starting subnet sweep")

	var (
		mu    sync.Mutex
		found []models.GatewayDescriptor
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, target := range targets {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			id, err := s.identify.Identify(gctx, target, s.config.Port)
			if err != nil {
				return nil
			}

			desc := descriptorFromIdentity(target, s.config.Port, id, s.Name())

			mu.Lock()
			found = append(found, desc)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return found, ctx.Err()
}

// localSeeds returns the private IPv4 networks of the host's interfaces,
// clamped to at most a /24 each.
func (s *SweepStrategy) localSeeds() []string {
	addrs, err := s.interfaces()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list interface addresses")

		return nil
	}

	var out []string

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}

		ip = ip.Unmap()
		if !ip.Is4() || !ip.IsPrivate() {
			continue
		}

		ones, _ := ipNet.Mask.Size()
		ones = max(ones, defaultAutoDetectBits)

		prefix, err := ip.Prefix(ones)
		if err != nil {
			continue
		}

		out = append(out, prefix.String())
	}

	return out
}

func parseSeed(seed string) (netip.Prefix, error) {
	seed = strings.TrimSpace(seed)

	if strings.Contains(seed, "/") {
		p, err := netip.ParsePrefix(seed)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid sweep seed %q: %w", seed, err)
		}

		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(seed)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid sweep seed %q: %w", seed, err)
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// expandTargets expands seeds into unique host addresses. Network and
// broadcast addresses of IPv4 networks wider than /31 are skipped. The result
// is capped at maxHosts.
func expandTargets(seeds []string, offsets []int, maxHosts int) []string {
	seen := make(map[netip.Addr]struct{})
	out := make([]string, 0)

	add := func(a netip.Addr) bool {
		if _, dup := seen[a]; dup {
			return true
		}

		if len(out) >= maxHosts {
			return false
		}

		seen[a] = struct{}{}
		out = append(out, a.String())

		return true
	}

	for _, seed := range seeds {
		prefix, err := parseSeed(seed)
		if err != nil {
			continue
		}

		hostBits := prefix.Addr().BitLen() - prefix.Bits()
		if hostBits == 0 {
			if !add(prefix.Addr()) {
				return out
			}

			continue
		}

		if len(offsets) > 0 {
			for _, off := range offsets {
				a, ok := addrAtOffset(prefix, off)
				if ok && !add(a) {
					return out
				}
			}

			continue
		}

		skipEdges := prefix.Addr().Is4() && prefix.Bits() < 31
		first := prefix.Addr()
		last := lastAddr(prefix)

		for a := first; prefix.Contains(a); a = a.Next() {
			if skipEdges && (a == first || a == last) {
				continue
			}

			if !add(a) {
				return out
			}

			if a == last {
				break
			}
		}
	}

	return out
}

func addrAtOffset(prefix netip.Prefix, off int) (netip.Addr, bool) {
	if off <= 0 {
		return netip.Addr{}, false
	}

	a := prefix.Addr()
	for range off {
		a = a.Next()
		if !a.IsValid() || !prefix.Contains(a) {
			return netip.Addr{}, false
		}
	}

	return a, true
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Addr().AsSlice()
	hostBits := len(b)*8 - prefix.Bits()

	for i := len(b) - 1; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8)
		b[i] |= byte(1<<n - 1)
		hostBits -= n
	}

	a, _ := netip.AddrFromSlice(b)

	return a
}
