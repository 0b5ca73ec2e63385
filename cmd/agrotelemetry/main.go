// Package main implements the entry point for the AgroTic telemetry engine.
// It loads the layered configuration, builds a session and runs it until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ppalechor/agrotic-telemetry/config"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/session"
)

// Build information, overridden with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "agrotelemetry"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI(os.Args[1:])
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []session.Option{session.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		opts = append(opts, session.WithMetricsRegistry(metric.NewMetricsRegistry()))
	}

	sess, err := session.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	slog.Info("AgroTic telemetry started", "session_id", sess.ID)
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("run session: %w", err)
	}
	slog.Info("AgroTic telemetry shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, false, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting AgroTic telemetry",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cliCfg.ConfigPaths)

	return cliCfg, logger, false, nil
}

// loadConfig merges the configuration layers in order over the defaults.
// With no layers the defaults and environment overrides are used.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	return loader.Load()
}
