// Package poll is the fixed-interval REST poll adapter.
package poll

import (
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// DefaultInterval is the delay between current-readings requests.
const DefaultInterval = 5 * time.Second

// Config holds configuration for the poll adapter
type Config struct {
	Enabled  bool          `json:"enabled"  yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns the default poll configuration
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: DefaultInterval}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "interval must not be negative")
	}
	return nil
}
