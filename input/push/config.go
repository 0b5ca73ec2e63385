// Package push is the push-channel adapter: one persistent WebSocket
// connection delivering named events from the platform backend.
package push

import (
	"net/url"
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// Defaults for the push channel.
const (
	DefaultMaxRetries       = 5
	DefaultBackoff          = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config holds configuration for the push adapter
type Config struct {
	Enabled          bool              `json:"enabled"           yaml:"enabled"`
	URL              string            `json:"url"               yaml:"url"`
	MaxRetries       int               `json:"max_retries"       yaml:"max_retries"`
	Backoff          time.Duration     `json:"backoff"           yaml:"backoff"`
	HandshakeTimeout time.Duration     `json:"handshake_timeout" yaml:"handshake_timeout"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// DefaultConfig returns the default push configuration
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		URL:              "ws://localhost:3000/sensors",
		MaxRetries:       DefaultMaxRetries,
		Backoff:          DefaultBackoff,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "push url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid push url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "push url must use ws or wss")
	}
	if c.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_retries must not be negative")
	}
	if c.Backoff < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "backoff must not be negative")
	}
	return nil
}
