// Package gateway defines the read-only HTTP API over the engine's live state.
package gateway

import (
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// Defaults for the HTTP API.
const (
	DefaultAddress        = ":8080"
	DefaultMaxRequestSize = 64 * 1024
	DefaultTimeout        = 10 * time.Second
)

// Config holds configuration for the HTTP API
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`

	// EnableCORS enables CORS headers; it requires explicit cors_origins.
	EnableCORS  bool     `json:"enable_cors"            yaml:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits request body size in bytes.
	MaxRequestSize int64         `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout,omitempty"     yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `json:"write_timeout,omitempty"    yaml:"write_timeout,omitempty"`

	// AccessLog writes one line per request in Apache combined format.
	AccessLog bool `json:"access_log" yaml:"access_log"`
}

// Validate ensures the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.MaxRequestSize > 10*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 10MB")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}

	// CORS requires explicit origin configuration
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	if c.Enabled && c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "address is required")
	}
	return nil
}

// DefaultConfig returns default API configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Address:        DefaultAddress,
		MaxRequestSize: DefaultMaxRequestSize,
		ReadTimeout:    DefaultTimeout,
		WriteTimeout:   DefaultTimeout,
	}
}
