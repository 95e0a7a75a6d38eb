package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	defaultMDNSAddress = "224.0.0.251:5353"
	mdnsReadBuffer     = 9000
	// qu requests a unicast reply so the answer reaches our ephemeral port.
	qu dnsmessage.Class = 1 << 15
)

// MDNSConfig configures service browsing.
type MDNSConfig struct {
	Enabled  bool     `json:"enabled"`
	Services []string `json:"services"`
	// Port is the management port recorded for discovered gateways.
	Port int `json:"port"`
	// Address overrides the multicast group, mainly for tests.
	Address string `json:"address,omitempty"`
}

// DefaultServices are browsed when none are configured.
func DefaultServices() []string {
	return []string{"_snmp._udp.local."}
}

// MDNSStrategy sends one PTR query per service and collects every answer
// until the timeout.
type MDNSStrategy struct {
	config MDNSConfig
	logger logger.Logger
}

var _ Strategy = (*MDNSStrategy)(nil)

// NewMDNSStrategy creates the strategy.
func NewMDNSStrategy(cfg MDNSConfig, log logger.Logger) *MDNSStrategy {
	if cfg.Port == 0 {
		cfg.Port = models.DefaultGatewayPort
	}

	if cfg.Address == "" {
		cfg.Address = defaultMDNSAddress
	}

	return &MDNSStrategy{config: cfg, logger: log}
}

func (*MDNSStrategy) Name() string { return "mdns" }

func (*MDNSStrategy) Kind() Kind { return KindBroadcast }

// Discover implements Strategy.
func (s *MDNSStrategy) Discover(ctx context.Context, timeout time.Duration) ([]models.GatewayDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(timeout))
	defer cancel()

	query, err := buildMDNSQuery(s.config.Services)
	if err != nil {
		return nil, err
	}

	dst, err := net.ResolveUDPAddr("udp4", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("resolving mDNS address: %w", err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening mDNS socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.WriteTo(query, dst); err != nil {
		return nil, fmt.Errorf("sending mDNS query: %w", err)
	}

	seen := make(map[string]struct{})

	var found []models.GatewayDescriptor

	buf := make([]byte, mdnsReadBuffer)

	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, net.ErrClosed) {
				break
			}

			return found, fmt.Errorf("reading mDNS response: %w", err)
		}

		srcIP := ""
		if ua, ok := src.(*net.UDPAddr); ok {
			srcIP = ua.IP.String()
		}

		instances, err := parseMDNSResponse(buf[:n], s.config.Services)
		if err != nil {
			s.logger.Debug().Err(err).Str("source", srcIP).Msg("Ignoring malformed mDNS packet")

			continue
		}

		for _, inst := range instances {
			desc := s.descriptor(inst, srcIP)
			if _, dup := seen[desc.ID]; dup {
				continue
			}

			seen[desc.ID] = struct{}{}
			found = append(found, desc)
		}
	}

	return found, nil
}

func (s *MDNSStrategy) descriptor(inst mdnsInstance, srcIP string) models.GatewayDescriptor {
	host := inst.IP
	if host == "" {
		host = srcIP
	}

	caps := []models.Capability{models.CapabilityProbe, models.CapabilityListDevices}
	if strings.HasPrefix(inst.Service, "_snmp.") {
		caps = append(caps, models.CapabilitySNMP)
	}

	desc := models.GatewayDescriptor{
		Hostname:     host,
		Port:         s.config.Port,
		Nickname:     inst.Label,
		Serial:       inst.TXT["serial"],
		Model:        inst.TXT["model"],
		Firmware:     inst.TXT["firmware"],
		Capabilities: caps,
		DiscoveredBy: []string{s.Name()},
	}
	desc.ID = models.DeriveGatewayID(desc.Hostname, desc.Port, desc.Serial)

	return desc
}

func buildMDNSQuery(services []string) ([]byte, error) {
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{})
	b.EnableCompression()

	if err := b.StartQuestions(); err != nil {
		return nil, err
	}

	for _, svc := range services {
		name, err := dnsmessage.NewName(fqdn(svc))
		if err != nil {
			return nil, fmt.Errorf("invalid service name %q: %w", svc, err)
		}

		if err := b.Question(dnsmessage.Question{
			Name:  name,
			Type:  dnsmessage.TypePTR,
			Class: dnsmessage.ClassINET | qu,
		}); err != nil {
			return nil, err
		}
	}

	return b.Finish()
}

// mdnsInstance is one advertised service instance.
type mdnsInstance struct {
	Service string
	Label   string
	Target  string
	IP      string
	TXT     map[string]string
}

// parseMDNSResponse joins PTR, SRV, TXT and A records across the answer and
// additional sections. Only instances of the requested services are kept.
func parseMDNSResponse(packet []byte, services []string) ([]mdnsInstance, error) {
	var p dnsmessage.Parser

	hdr, err := p.Start(packet)
	if err != nil {
		return nil, err
	}

	if !hdr.Response {
		return nil, nil
	}

	if err := p.SkipAllQuestions(); err != nil {
		return nil, err
	}

	answers, err := p.AllAnswers()
	if err != nil {
		return nil, err
	}

	if err := p.SkipAllAuthorities(); err != nil {
		return nil, err
	}

	additionals, err := p.AllAdditionals()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(services))
	for _, svc := range services {
		wanted[strings.ToLower(fqdn(svc))] = true
	}

	var (
		ptrs = map[string]string{} // instance -> service
		srvs = map[string]string{} // instance -> target host
		txts = map[string]map[string]string{}
		addr = map[string]string{} // host -> IPv4
	)

	for _, rr := range append(answers, additionals...) {
		owner := strings.ToLower(rr.Header.Name.String())

		switch body := rr.Body.(type) {
		case *dnsmessage.PTRResource:
			if wanted[owner] {
				ptrs[strings.ToLower(body.PTR.String())] = owner
			}
		case *dnsmessage.SRVResource:
			srvs[owner] = strings.ToLower(body.Target.String())
		case *dnsmessage.TXTResource:
			txts[owner] = parseTXT(body.TXT)
		case *dnsmessage.AResource:
			addr[owner] = net.IP(body.A[:]).String()
		}
	}

	out := make([]mdnsInstance, 0, len(ptrs))

	for instance, service := range ptrs {
		inst := mdnsInstance{
			Service: service,
			Label:   instanceLabel(instance, service),
			Target:  srvs[instance],
			TXT:     txts[instance],
		}

		if inst.Target != "" {
			inst.IP = addr[inst.Target]
		}

		if inst.TXT == nil {
			inst.TXT = map[string]string{}
		}

		out = append(out, inst)
	}

	return out, nil
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))

	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			out[strings.ToLower(k)] = v
		}
	}

	return out
}

func instanceLabel(instance, service string) string {
	label := strings.TrimSuffix(instance, "."+service)

	return strings.TrimSuffix(label, ".")
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}

	return name + "."
}
