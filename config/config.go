package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppalechor/agrotic-telemetry/backend"
	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/gateway"
	"github.com/ppalechor/agrotic-telemetry/input/mqtt"
	"github.com/ppalechor/agrotic-telemetry/input/poll"
	"github.com/ppalechor/agrotic-telemetry/input/push"
	"github.com/ppalechor/agrotic-telemetry/output/kafka"
	"github.com/ppalechor/agrotic-telemetry/persist"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGROTIC"

// Settings store kinds
const (
	SettingsKindFile = "file"
	SettingsKindNATS = "nats"
)

// Config represents the complete engine configuration
type Config struct {
	Backend  backend.Config `json:"backend"  yaml:"backend"`
	Push     push.Config    `json:"push"     yaml:"push"`
	MQTT     mqtt.Config    `json:"mqtt"     yaml:"mqtt"`
	Poll     poll.Config    `json:"poll"     yaml:"poll"`
	Persist  persist.Config `json:"persist"  yaml:"persist"`
	Engine   EngineConfig   `json:"engine"   yaml:"engine"`
	History  HistoryConfig  `json:"history"  yaml:"history"`
	Settings SettingsConfig `json:"settings" yaml:"settings"`
	Kafka    kafka.Config   `json:"kafka"    yaml:"kafka"`
	HTTP     gateway.Config `json:"http"     yaml:"http"`
	Metrics  MetricsConfig  `json:"metrics"  yaml:"metrics"`
	Sensors  SensorsConfig  `json:"sensors"  yaml:"sensors"`
	Catalog  CatalogConfig  `json:"catalog"  yaml:"catalog"`
}

// EngineConfig sizes the reconciliation loop.
type EngineConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// HistoryConfig sizes the per-sensor history.
type HistoryConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

// SettingsConfig selects where broker settings are stored.
type SettingsConfig struct {
	Kind string              `json:"kind" yaml:"kind"` // "file" or "nats"
	Path string              `json:"path" yaml:"path"`
	NATS settings.NATSConfig `json:"nats" yaml:"nats"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port"    yaml:"port"`
	Path    string `json:"path"    yaml:"path"`
}

// CatalogConfig controls loading of the sensor catalogue. A failed load is
// retried with exponential backoff from RetryInitial up to RetryMax until it
// succeeds. RefreshInterval 0 disables periodic reloads.
type CatalogConfig struct {
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	RetryInitial    time.Duration `json:"retry_initial"    yaml:"retry_initial"`
	RetryMax        time.Duration `json:"retry_max"        yaml:"retry_max"`
}

// Validate checks the catalogue timings.
func (c *CatalogConfig) Validate() error {
	if c.RefreshInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CatalogConfig", "Validate", "refresh_interval must not be negative")
	}
	if c.RetryInitial <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CatalogConfig", "Validate", "retry_initial must be positive")
	}
	if c.RetryMax < c.RetryInitial {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CatalogConfig", "Validate", "retry_max must not be below retry_initial")
	}
	return nil
}

// SensorsConfig carries per-sensor extraction overrides.
type SensorsConfig struct {
	Calibration  map[sensor.ID]sensor.Calibration `json:"calibration,omitempty"   yaml:"calibration,omitempty"`
	FieldAliases map[string][]string              `json:"field_aliases,omitempty" yaml:"field_aliases,omitempty"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Backend: backend.Config{BaseURL: "http://localhost:3000", Timeout: backend.DefaultTimeout},
		Push:    push.DefaultConfig(),
		MQTT:    mqtt.DefaultConfig(),
		Poll:    poll.DefaultConfig(),
		Persist: persist.DefaultConfig(),
		Engine:  EngineConfig{QueueSize: reconcile.DefaultQueueSize},
		History: HistoryConfig{Capacity: reconcile.DefaultHistoryCapacity},
		Settings: SettingsConfig{
			Kind: SettingsKindFile,
			Path: "data/settings.json",
			NATS: settings.NATSConfig{URL: "nats://localhost:4222", Bucket: settings.DefaultBucket},
		},
		Kafka:   kafka.DefaultConfig(),
		HTTP:    gateway.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Catalog: CatalogConfig{RefreshInterval: 5 * time.Minute, RetryInitial: 500 * time.Millisecond, RetryMax: 30 * time.Second},
	}
}

// Validate checks every section and fills section defaults.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "backend")
	}
	if err := c.Push.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "push")
	}
	if err := c.MQTT.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "mqtt")
	}
	if err := c.Poll.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "poll")
	}
	if err := c.Persist.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "persist")
	}
	if err := c.Kafka.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "kafka")
	}
	if err := c.HTTP.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "http")
	}
	if c.Engine.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "engine.queue_size must not be negative")
	}
	if c.History.Capacity < 0 || c.History.Capacity > reconcile.DefaultHistoryCapacity {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("history.capacity must be between 0 and %d", reconcile.DefaultHistoryCapacity))
	}
	if err := c.Catalog.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "catalog")
	}

	switch c.Settings.Kind {
	case SettingsKindFile:
		if c.Settings.Path == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "settings.path is required")
		}
	case SettingsKindNATS:
		if c.Settings.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "settings.nats.url is required")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("settings.kind must be %q or %q, got %q", SettingsKindFile, SettingsKindNATS, c.Settings.Kind))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}

	for id, cal := range c.Sensors.Calibration {
		if _, ok := sensor.ADCToPercent(cal.Min, cal.Min, cal.Max); !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("sensors.calibration[%s]: max must exceed min", id))
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a YAML rendering with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "****"
	}
	data, _ := yaml.Marshal(masked)
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer in order, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, layer)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer, decoding by file extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromMap decodes strictly so misspelled keys are reported.
func fromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// envOverride binds one environment variable to a config field.
type envOverride struct {
	key   string
	apply func(cfg *Config, val string) error
}

func stringVar(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		set(cfg, val)
		return nil
	}
}

func boolVar(set func(*Config, bool)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

func intVar(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func durationVar(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

func listVar(set func(*Config, []string)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		var out []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		set(cfg, out)
		return nil
	}
}

var envOverrides = []envOverride{
	{"BACKEND_URL", stringVar(func(c *Config, v string) { c.Backend.BaseURL = v })},
	{"BACKEND_TIMEOUT", durationVar(func(c *Config, d time.Duration) { c.Backend.Timeout = d })},
	{"PUSH_ENABLED", boolVar(func(c *Config, b bool) { c.Push.Enabled = b })},
	{"PUSH_URL", stringVar(func(c *Config, v string) { c.Push.URL = v })},
	{"PUSH_MAX_RETRIES", intVar(func(c *Config, n int) { c.Push.MaxRetries = n })},
	{"PUSH_BACKOFF", durationVar(func(c *Config, d time.Duration) { c.Push.Backoff = d })},
	{"MQTT_ENABLED", boolVar(func(c *Config, b bool) { c.MQTT.Enabled = b })},
	{"MQTT_USERNAME", stringVar(func(c *Config, v string) { c.MQTT.Username = v })},
	{"MQTT_PASSWORD", stringVar(func(c *Config, v string) { c.MQTT.Password = v })},
	{"MQTT_RECONNECT_PERIOD", durationVar(func(c *Config, d time.Duration) { c.MQTT.ReconnectPeriod = d })},
	{"POLL_ENABLED", boolVar(func(c *Config, b bool) { c.Poll.Enabled = b })},
	{"POLL_INTERVAL", durationVar(func(c *Config, d time.Duration) { c.Poll.Interval = d })},
	{"PERSIST_WINDOW", durationVar(func(c *Config, d time.Duration) { c.Persist.Window = d })},
	{"PERSIST_NOTE", stringVar(func(c *Config, v string) { c.Persist.Note = v })},
	{"CATALOG_REFRESH_INTERVAL", durationVar(func(c *Config, d time.Duration) { c.Catalog.RefreshInterval = d })},
	{"HISTORY_CAPACITY", intVar(func(c *Config, n int) { c.History.Capacity = n })},
	{"SETTINGS_KIND", stringVar(func(c *Config, v string) { c.Settings.Kind = v })},
	{"SETTINGS_PATH", stringVar(func(c *Config, v string) { c.Settings.Path = v })},
	{"NATS_URL", stringVar(func(c *Config, v string) { c.Settings.NATS.URL = v })},
	{"NATS_BUCKET", stringVar(func(c *Config, v string) { c.Settings.NATS.Bucket = v })},
	{"KAFKA_ENABLED", boolVar(func(c *Config, b bool) { c.Kafka.Enabled = b })},
	{"KAFKA_BROKERS", listVar(func(c *Config, v []string) { c.Kafka.Brokers = v })},
	{"KAFKA_TOPIC", stringVar(func(c *Config, v string) { c.Kafka.Topic = v })},
	{"HTTP_ENABLED", boolVar(func(c *Config, b bool) { c.HTTP.Enabled = b })},
	{"HTTP_ADDRESS", stringVar(func(c *Config, v string) { c.HTTP.Address = v })},
	{"METRICS_ENABLED", boolVar(func(c *Config, b bool) { c.Metrics.Enabled = b })},
	{"METRICS_PORT", intVar(func(c *Config, n int) { c.Metrics.Port = n })},
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.key
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", key)
		}
		if err := o.apply(cfg, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+key)
		}
	}
	return nil
}
