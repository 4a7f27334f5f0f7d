package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ServerURL   string
	AgentName   string
	Device      string
	Simulate    bool
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("REAGENT_CONFIG", ""),
		"Path to configuration file, defaults apply when empty (env: REAGENT_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("REAGENT_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: REAGENT_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("REAGENT_LOG_FORMAT", "json"),
		"Log format: json, text (env: REAGENT_LOG_FORMAT)")

	flag.StringVar(&cfg.ServerURL, "server",
		getEnv("REAGENT_SERVER_URL", ""),
		"Queue server base URL, overrides config (env: REAGENT_SERVER_URL)")

	flag.StringVar(&cfg.AgentName, "name",
		getEnv("REAGENT_AGENT_NAME", ""),
		"Agent name reported on claims, overrides config (env: REAGENT_AGENT_NAME)")

	flag.StringVar(&cfg.Device, "device",
		getEnv("REAGENT_SCALE_DEVICE", ""),
		"Serial device path, overrides config (env: REAGENT_SCALE_DEVICE)")

	flag.BoolVar(&cfg.Simulate, "simulate", false,
		"Use the simulated scale source instead of the serial device")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
