// Package main implements the alertbus manager binary. It accepts IDMEF
// events from sensors, normalizes them and hands them to the configured
// report sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/alertbus/config"
	"github.com/c360/alertbus/manager"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/plugin/builtin"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "alertbus"
)

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
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	load := func() (*config.Config, error) {
		return loadConfig(cliCfg.ConfigPath)
	}

	// a broken configuration is fatal at startup only; on SIGHUP the
	// supervisor keeps the running manager instead
	cfg, err := load()
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	if cliCfg.ListPlugins {
		registry, err := builtin.NewRegistry()
		if err != nil {
			return err
		}
		printPlugins(registry)
		return nil
	}

	slog.Debug("Effective configuration", "config", cfg.String())

	first := true
	supervised := func() (*config.Config, error) {
		if first {
			first = false
			return cfg, nil
		}
		slog.Info("Reloading configuration", "config_path", cliCfg.ConfigPath)
		return load()
	}

	return runWithSignalHandling(context.Background(), supervised)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting alertbus manager",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// runWithSignalHandling runs the manager until SIGINT or SIGTERM. SIGHUP
// rebuilds it from the re-read configuration.
func runWithSignalHandling(ctx context.Context, load manager.LoadFunc) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	restart := make(chan struct{})
	go func() {
		for {
			select {
			case <-signalCtx.Done():
				return
			case <-hup:
				slog.Info("Received restart signal")
				select {
				case restart <- struct{}{}:
				case <-signalCtx.Done():
					return
				}
			}
		}
	}()

	err := manager.Supervise(signalCtx, load, restart,
		manager.WithLogger(slog.Default()),
		manager.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	slog.Info("alertbus shutdown complete")
	return nil
}

// loadConfig loads configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func printPlugins(registry *plugin.Registry) {
	for _, kind := range []plugin.Kind{plugin.KindDecoder, plugin.KindFilter, plugin.KindReport} {
		fmt.Printf("%s plugins:\n", kind)
		for _, name := range registry.Names(kind) {
			reg, _ := registry.Lookup(kind, name)
			fmt.Printf("  %-12s %s\n", name, reg.Description)
		}
	}
}
