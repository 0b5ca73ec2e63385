package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/persist"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Push.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Push.Backoff)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, persist.DefaultWindow, cfg.Persist.Window)
	assert.Equal(t, 50, cfg.History.Capacity)
	assert.Equal(t, SettingsKindFile, cfg.Settings.Kind)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoader_LayersOverrideOnlyTheirKeys(t *testing.T) {
	base := writeFile(t, "base.yaml", `
backend:
  base_url: https://api.agrotic.co
push:
  url: wss://api.agrotic.co/sensors
  backoff: 3s
persist:
  window: 30s
sensors:
  calibration:
    "12": {min: 800, max: 3200}
  field_aliases:
    luminosidad: [lux, light]
`)
	override := writeFile(t, "override.json", `{
  "push": {"max_retries": 0},
  "kafka": {"enabled": true, "brokers": ["kafka-1:9092"], "flush_interval": "250ms"}
}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.agrotic.co", cfg.Backend.BaseURL)
	assert.Equal(t, "wss://api.agrotic.co/sensors", cfg.Push.URL)
	assert.Equal(t, 3*time.Second, cfg.Push.Backoff)
	assert.Equal(t, 0, cfg.Push.MaxRetries)
	assert.True(t, cfg.Push.Enabled, "unset keys keep their defaults")
	assert.Equal(t, 30*time.Second, cfg.Persist.Window)
	assert.Equal(t, persist.DefaultNote, cfg.Persist.Note)
	assert.Equal(t, sensor.Calibration{Min: 800, Max: 3200}, cfg.Sensors.Calibration["12"])
	assert.Equal(t, []string{"lux", "light"}, cfg.Sensors.FieldAliases["luminosidad"])
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Kafka.FlushInterval)
}

func TestLoader_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", "push:\n  urll: ws://x\n")
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_RejectsMissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("AGROTIC_BACKEND_URL", "http://backend:3000")
	t.Setenv("AGROTIC_POLL_INTERVAL", "7s")
	t.Setenv("AGROTIC_MQTT_ENABLED", "false")
	t.Setenv("AGROTIC_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("AGROTIC_SETTINGS_KIND", "nats")
	t.Setenv("AGROTIC_NATS_URL", "nats://nats:4222")
	t.Setenv("AGROTIC_METRICS_PORT", "9100")

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://backend:3000", cfg.Backend.BaseURL)
	assert.Equal(t, 7*time.Second, cfg.Poll.Interval)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, SettingsKindNATS, cfg.Settings.Kind)
	assert.Equal(t, "nats://nats:4222", cfg.Settings.NATS.URL)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoader_HistoryCapacityBounded(t *testing.T) {
	t.Setenv("AGROTIC_HISTORY_CAPACITY", "500")
	loader := NewLoader()
	loader.EnableValidation(true)
	_, err := loader.Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	path := writeFile(t, "history.yaml", "history:\n  capacity: 500\n")
	loader = NewLoader()
	loader.lookupEnv = func(string) (string, bool) { return "", false }
	loader.EnableValidation(true)
	_, err = loader.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.capacity")

	path = writeFile(t, "history-ok.yaml", "history:\n  capacity: 20\n")
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.History.Capacity)
}

func TestLoader_EnvOverrideParseError(t *testing.T) {
	t.Setenv("AGROTIC_PERSIST_WINDOW", "ten seconds")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "AGROTIC_PERSIST_WINDOW")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend scheme", func(c *Config) { c.Backend.BaseURL = "ftp://x" }},
		{"push scheme", func(c *Config) { c.Push.URL = "http://x" }},
		{"negative poll interval", func(c *Config) { c.Poll.Interval = -time.Second }},
		{"negative window", func(c *Config) { c.Persist.Window = -time.Second }},
		{"unknown settings kind", func(c *Config) { c.Settings.Kind = "redis" }},
		{"file settings without path", func(c *Config) { c.Settings.Path = "" }},
		{"nats settings without url", func(c *Config) {
			c.Settings.Kind = SettingsKindNATS
			c.Settings.NATS.URL = ""
		}},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"calibration range", func(c *Config) {
			c.Sensors.Calibration = map[sensor.ID]sensor.Calibration{"3": {Min: 10, Max: 10}}
		}},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
		{"history above 50", func(c *Config) { c.History.Capacity = 51 }},
		{"negative history", func(c *Config) { c.History.Capacity = -1 }},
		{"catalog retry zero", func(c *Config) { c.Catalog.RetryInitial = 0 }},
		{"catalog retry max below initial", func(c *Config) { c.Catalog.RetryMax = c.Catalog.RetryInitial / 2 }},
		{"negative catalog refresh", func(c *Config) { c.Catalog.RefreshInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg := Default()
	cfg.Sensors.Calibration = map[sensor.ID]sensor.Calibration{"1": {Min: 0, Max: 4095}}

	clone := cfg.Clone()
	clone.Kafka.Brokers[0] = "changed:9092"
	clone.Sensors.Calibration["1"] = sensor.Calibration{Min: 1, Max: 2}

	assert.Equal(t, "localhost:9092", cfg.Kafka.Brokers[0])
	assert.Equal(t, 4095.0, cfg.Sensors.Calibration["1"].Max)
	assert.Equal(t, cfg.Persist.Window, clone.Persist.Window)
}

func TestConfig_StringMasksPassword(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Password = "s3cret"
	out := cfg.String()
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "****")
	assert.Equal(t, "s3cret", cfg.MQTT.Password)
}

func TestValidateConfigPath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, validateConfigPath(filepath.Join(dir, "a.yaml")))
	assert.NoError(t, validateConfigPath(filepath.Join(dir, "a.json")))
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath(filepath.Join(dir, "a.toml")))
	assert.Error(t, validateConfigPath("../outside.yaml"))
	assert.Error(t, validateConfigPath("/etc/../etc/agrotic.yaml"))
	assert.Error(t, validateConfigPath(strings.Repeat("a", maxPathLen+1)+".json"))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": {"b": "}}}"}}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1}`)))
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("K", "v"))
	assert.Error(t, validateEnvVar("K", strings.Repeat("x", maxEnvVarLen+1)))
	assert.Error(t, validateEnvVar("K", "a\x00b"))
}

func TestLoad_ShippedExample(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "configs", "agrotic.yaml"))
	require.NoError(t, err)

	loader := NewLoader()
	loader.lookupEnv = func(string) (string, bool) { return "", false }
	loader.EnableValidation(true)

	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Persist.Window)
	assert.Equal(t, persist.DefaultNote, cfg.Persist.Note)
	assert.Equal(t, 50, cfg.History.Capacity)
	assert.Equal(t, sensor.Calibration{Min: 1200, Max: 3300}, cfg.Sensors.Calibration["7"])
	assert.False(t, cfg.Kafka.Enabled)
}
