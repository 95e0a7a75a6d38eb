package roaming

import (
	"time"

	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	defaultDisappearanceThreshold = 3
	defaultHistoryRetention       = 30 * 24 * time.Hour
	defaultProfileIdle            = 7 * 24 * time.Hour
	defaultMaxEvents              = 10000
	defaultSignalSamples          = 100
	defaultDwellSamples           = 100

	weakSignalThreshold = -80 // dBm, averaged over the session
	betterSignalMargin  = 10  // dB
	quickHandoverDwell  = time.Minute
	trendWindow         = 10
	trendMargin         = 5.0 // dB
	mobilityWindow      = 24 * time.Hour
)

// Config tunes the tracker.
type Config struct {
	// DisappearanceThreshold is the number of consecutive cycles a device may
	// be missing from every reporting gateway before its session is closed.
	DisappearanceThreshold int             `json:"disappearance_threshold"`
	HistoryRetention       models.Duration `json:"history_retention"`
	// ProfileIdle drops mobility profiles of disconnected devices with no
	// events for this long.
	ProfileIdle   models.Duration `json:"profile_idle"`
	MaxEvents     int             `json:"max_events"`
	SignalSamples int             `json:"signal_samples"`
	DwellSamples  int             `json:"dwell_samples"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.DisappearanceThreshold <= 0 {
		c.DisappearanceThreshold = defaultDisappearanceThreshold
	}

	c.HistoryRetention = c.HistoryRetention.OrDefault(defaultHistoryRetention)
	c.ProfileIdle = c.ProfileIdle.OrDefault(defaultProfileIdle)

	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}

	if c.SignalSamples <= 0 {
		c.SignalSamples = defaultSignalSamples
	}

	if c.DwellSamples <= 0 {
		c.DwellSamples = defaultDwellSamples
	}

	return nil
}
