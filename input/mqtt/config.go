// Package mqtt is the pub/sub adapter. It subscribes to the topics named in
// the settings store and restarts its client whenever those settings change.
package mqtt

import (
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// Defaults for the pub/sub adapter.
const (
	DefaultReconnectPeriod = 3 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultClientIDPrefix  = "agrotic-telemetry"
)

// Config holds configuration for the pub/sub adapter
type Config struct {
	Enabled         bool          `json:"enabled"          yaml:"enabled"`
	ClientIDPrefix  string        `json:"client_id_prefix" yaml:"client_id_prefix"`
	QoS             byte          `json:"qos"              yaml:"qos"`
	ReconnectPeriod time.Duration `json:"reconnect_period" yaml:"reconnect_period"`
	ConnectTimeout  time.Duration `json:"connect_timeout"  yaml:"connect_timeout"`
	Username        string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password        string        `json:"password,omitempty" yaml:"password,omitempty"`
}

// DefaultConfig returns the default pub/sub configuration
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ClientIDPrefix:  DefaultClientIDPrefix,
		ReconnectPeriod: DefaultReconnectPeriod,
		ConnectTimeout:  DefaultConnectTimeout,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.QoS > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "qos must be 0, 1 or 2")
	}
	if c.ReconnectPeriod < 0 || c.ConnectTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "durations must not be negative")
	}
	return nil
}
