package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths []string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	Validate    bool
}

// layers collects repeated --config flags.
type layers []string

func (l *layers) String() string { return strings.Join(*l, ",") }

func (l *layers) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var paths layers
	fs.Var(&paths, "config", "Configuration layer, repeatable; later layers win (env: AGROTIC_CONFIG)")
	fs.Var(&paths, "c", "Shorthand for --config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("AGROTIC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: AGROTIC_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("AGROTIC_LOG_FORMAT", "json"),
		"Log format: json, text (env: AGROTIC_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("AGROTIC_DEBUG", false),
		"Enable debug logging (env: AGROTIC_DEBUG)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs.Output(), fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = paths
	if len(cfg.ConfigPaths) == 0 {
		if env := os.Getenv("AGROTIC_CONFIG"); env != "" {
			cfg.ConfigPaths = strings.Split(env, ",")
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - real-time sensor telemetry reconciliation

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a base config and a site overlay
  %s --config=configs/agrotic.yaml --config=/etc/agrotic/site.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Override single values from the environment
  export AGROTIC_BACKEND_URL=http://backend:3000
  %s

  # Validate configuration only
  %s --config=configs/agrotic.yaml --validate

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
