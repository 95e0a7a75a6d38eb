package health

import (
	"errors"
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

const (
	defaultSoftFailThreshold = 3
	defaultRecoveryThreshold = 2
	defaultWorkers           = 8
	defaultProbeTimeout      = 5 * time.Second
	defaultCycleDeadline     = 20 * time.Second
	defaultProtocolBaseDelay = 200 * time.Millisecond
	defaultProtocolMaxDelay  = time.Second
)

var errDeadlineBelowProbe = errors.New("cycle_deadline must not be shorter than probe_timeout")

// Config configures the health monitor.
type Config struct {
	SoftFailThreshold int             `json:"soft_fail_threshold"`
	RecoveryThreshold int             `json:"recovery_threshold"`
	Workers           int             `json:"workers"`
	ProbeTimeout      models.Duration `json:"probe_timeout"`
	CycleDeadline     models.Duration `json:"cycle_deadline"`
	// ProtocolRetry bounds how often a protocol error is retried within one
	// check before it counts as a hard failure.
	ProtocolRetry resilience.Config `json:"protocol_retry"`
}

// Validate fills defaults and rejects a deadline that cannot fit one probe.
func (c *Config) Validate() error {
	if c.SoftFailThreshold <= 0 {
		c.SoftFailThreshold = defaultSoftFailThreshold
	}

	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaultRecoveryThreshold
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	c.ProbeTimeout = c.ProbeTimeout.OrDefault(defaultProbeTimeout)
	c.CycleDeadline = c.CycleDeadline.OrDefault(defaultCycleDeadline)
	c.ProtocolRetry.BaseDelay = c.ProtocolRetry.BaseDelay.OrDefault(defaultProtocolBaseDelay)
	c.ProtocolRetry.MaxDelay = c.ProtocolRetry.MaxDelay.OrDefault(defaultProtocolMaxDelay)

	if c.CycleDeadline < c.ProbeTimeout {
		return errDeadlineBelowProbe
	}

	return nil
}

func (c *Config) thresholds() Thresholds {
	return Thresholds{SoftFail: c.SoftFailThreshold, Recovery: c.RecoveryThreshold}
}
