package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/fleetradar/pkg/credentials"
	"github.com/carverauto/fleetradar/pkg/discovery"
	"github.com/carverauto/fleetradar/pkg/gateway"
	"github.com/carverauto/fleetradar/pkg/health"
	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
	"github.com/carverauto/fleetradar/pkg/roaming"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultFetchTimeout = 10 * time.Second
	defaultFetchWorkers = 8

	defaultFetchRetryBase = 250 * time.Millisecond
	defaultFetchRetryMax  = 2 * time.Second
)

var (
	errPollBelowCycle  = errors.New("poll_interval must not be shorter than health.cycle_deadline plus fetch_timeout")
	errNoGatewaySource = errors.New("no static gateways and no discovery strategy enabled")
)

// Config is the fleetradar configuration file.
type Config struct {
	Logging     *logger.Config       `json:"logging"`
	NATS        *models.NATSConfig   `json:"nats,omitempty"`
	CNPG        *models.CNPGDatabase `json:"cnpg,omitempty"`
	Credentials credentials.Config   `json:"credentials"`
	Discovery   discovery.Config     `json:"discovery"`
	SNMP        gateway.SNMPConfig   `json:"snmp"`
	Health      health.Config        `json:"health"`
	Roaming     roaming.Config       `json:"roaming"`
	Gateways    []models.GatewaySeed `json:"gateways"`

	PollInterval models.Duration `json:"poll_interval"`
	// FetchTimeout bounds device listing for one cycle. Correlation runs
	// when it expires, with whatever gateways have reported.
	FetchTimeout models.Duration   `json:"fetch_timeout"`
	FetchWorkers int               `json:"fetch_workers"`
	FetchRetry   resilience.Config `json:"fetch_retry"`
}

// Validate fills defaults for every section and checks that a cycle fits in
// one poll interval.
func (c *Config) Validate() error {
	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if c.CNPG != nil && c.CNPG.Host == "" {
		c.CNPG = nil
	}

	if c.NATS != nil && c.NATS.URL == "" {
		c.NATS = nil
	}

	validators := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"credentials", &c.Credentials},
		{"discovery", &c.Discovery},
		{"snmp", &c.SNMP},
		{"health", &c.Health},
		{"roaming", &c.Roaming},
	}

	for _, s := range validators {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	for i := range c.Gateways {
		desc := c.Gateways[i].Descriptor()
		if err := desc.Validate(); err != nil {
			return fmt.Errorf("gateways[%d]: %w", i, err)
		}
	}

	if len(c.Gateways) == 0 && !c.Discovery.Hostname.Enabled && !c.Discovery.MDNS.Enabled && !c.Discovery.Sweep.Enabled {
		return errNoGatewaySource
	}

	c.PollInterval = c.PollInterval.OrDefault(defaultPollInterval)
	c.FetchTimeout = c.FetchTimeout.OrDefault(defaultFetchTimeout)

	c.FetchRetry.BaseDelay = c.FetchRetry.BaseDelay.OrDefault(defaultFetchRetryBase)
	c.FetchRetry.MaxDelay = c.FetchRetry.MaxDelay.OrDefault(defaultFetchRetryMax)

	if c.FetchWorkers <= 0 {
		c.FetchWorkers = defaultFetchWorkers
	}

	if c.PollInterval < c.Health.CycleDeadline+c.FetchTimeout {
		return errPollBelowCycle
	}

	return nil
}

// fetchPolicy retries device listing on errors the gateway taxonomy marks
// retryable.
func (c *Config) fetchPolicy() resilience.Policy {
	return c.FetchRetry.Policy(gateway.IsRetryable)
}
