// Package main implements the scale agent: the binary that sits next to
// the weighing device, claims measurement jobs from the server and commits
// stable readings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/kkaryeong/reagent-ology/agent"
	"github.com/kkaryeong/reagent-ology/config"
	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/scale"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "scaleagent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Agent failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, cliCfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting agent",
		"version", Version,
		"agent", cfg.Agent.Name,
		"server", cfg.Agent.ServerURL,
		"simulate", cfg.Scale.Simulate)

	a := &agent.Agent{
		Client:       agent.NewClient(cfg.Agent.ServerURL),
		Acquirer:     buildAcquirer(cfg, logger),
		Name:         cfg.Agent.Name,
		PollInterval: cfg.Agent.PollInterval,
		Logger:       logger.With("component", "agent", "agent", cfg.Agent.Name),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	slog.Info("Agent stopped")
	return err
}

// applyFlagOverrides lets CLI flags win over the config file
func applyFlagOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.ServerURL != "" {
		cfg.Agent.ServerURL = cliCfg.ServerURL
	}
	if cliCfg.AgentName != "" {
		cfg.Agent.Name = cliCfg.AgentName
	}
	if cliCfg.Device != "" {
		cfg.Scale.Device = cliCfg.Device
	}
	if cliCfg.Simulate {
		cfg.Scale.Simulate = true
		if len(cfg.Scale.SimLines) == 0 {
			cfg.Scale.SimLines = []string{"0.000 g", "12.000 g", "12.001 g", "12.000 g"}
		}
	}
}

func buildAcquirer(cfg *config.Config, logger *slog.Logger) *scale.Acquirer {
	var source scale.Source
	if cfg.Scale.Simulate {
		source = &scale.SimulatedSource{
			Lines:    cfg.Scale.SimLines,
			Interval: cfg.Scale.SimInterval,
		}
	} else {
		source = &scale.SerialSource{
			Device:           cfg.Scale.Device,
			BaudRate:         cfg.Scale.BaudRate,
			ReadTimeout:      cfg.Scale.ReadTimeout,
			ReconnectBackoff: cfg.Scale.ReconnectBackoff,
			Logger:           logger.With("component", "serial-source", "device", cfg.Scale.Device),
		}
	}

	return &scale.Acquirer{
		Source: source,
		Detector: scale.NewDetector(
			cfg.Scale.ZeroThreshold,
			cfg.Scale.Tolerance,
			cfg.Scale.MinStableDuration,
		),
	}
}
