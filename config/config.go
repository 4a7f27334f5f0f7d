// Package config loads and validates application configuration for the
// reagent-ology server and scale agent. Configuration is JSON with string
// durations ("2.5s"), layered as defaults < file < environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "REAGENT"

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Scale    ScaleConfig    `json:"scale"`
	Agent    AgentConfig    `json:"agent"`
	Log      LogConfig      `json:"log"`
}

// ServerConfig defines the HTTP listener
type ServerConfig struct {
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// DatabaseConfig defines the SQLite database location
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ScaleConfig defines the serial link and the stability debounce parameters
type ScaleConfig struct {
	Device            string        `json:"device"`
	BaudRate          int           `json:"baud_rate"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	ReconnectBackoff  time.Duration `json:"reconnect_backoff"`
	ZeroThreshold     float64       `json:"zero_threshold"`
	Tolerance         float64       `json:"tolerance"`
	MinStableDuration time.Duration `json:"min_stable_duration"`

	// Simulated source for development without hardware
	Simulate    bool          `json:"simulate,omitempty"`
	SimLines    []string      `json:"sim_lines,omitempty"`
	SimInterval time.Duration `json:"sim_interval,omitempty"`
}

// AgentConfig defines how the acquisition agent reaches the queue server
type AgentConfig struct {
	ServerURL    string        `json:"server_url"`
	Name         string        `json:"name"`
	PollInterval time.Duration `json:"poll_interval"`
}

// LogConfig defines logging output
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://localhost:3000",
				"http://127.0.0.1:5173",
				"http://127.0.0.1:3000",
			},
		},
		Database: DatabaseConfig{
			Path: "reagents.db",
		},
		Scale: ScaleConfig{
			Device:            "/dev/ttyUSB0",
			BaudRate:          9600,
			ReadTimeout:       2 * time.Second,
			ReconnectBackoff:  3 * time.Second,
			ZeroThreshold:     0.002,
			Tolerance:         0.002,
			MinStableDuration: 2500 * time.Millisecond,
			SimInterval:       200 * time.Millisecond,
		},
		Agent: AgentConfig{
			ServerURL:    "http://127.0.0.1:8000",
			Name:         "scale-agent",
			PollInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile loads configuration from a JSON file, merged over defaults and
// under environment overrides. A missing path loads defaults only.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Scale.BaudRate <= 0 {
		return fmt.Errorf("scale.baud_rate must be positive, got %d", c.Scale.BaudRate)
	}
	if c.Scale.Tolerance < 0 {
		return errors.New("scale.tolerance cannot be negative")
	}
	if c.Scale.ZeroThreshold < 0 {
		return errors.New("scale.zero_threshold cannot be negative")
	}
	if c.Scale.MinStableDuration <= 0 {
		return errors.New("scale.min_stable_duration must be positive")
	}
	if c.Scale.ReconnectBackoff <= 0 {
		return errors.New("scale.reconnect_backoff must be positive")
	}
	if c.Scale.Simulate && len(c.Scale.SimLines) == 0 {
		return errors.New("scale.sim_lines is required when simulate is enabled")
	}
	if c.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if c.Agent.PollInterval <= 0 {
		return errors.New("agent.poll_interval must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "_DB_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv(envPrefix + "_SCALE_DEVICE"); val != "" {
		cfg.Scale.Device = val
	}
	if val := os.Getenv(envPrefix + "_AGENT_NAME"); val != "" {
		cfg.Agent.Name = val
	}
	if val := os.Getenv(envPrefix + "_SERVER_URL"); val != "" {
		cfg.Agent.ServerURL = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// parseDuration accepts both "2.5s" strings and raw nanosecond numbers
func parseDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return time.ParseDuration(val)
	case float64:
		return time.Duration(val), nil
	default:
		return 0, fmt.Errorf("cannot parse duration from %T", v)
	}
}

// UnmarshalJSON implements custom unmarshaling so durations can be written
// as human-readable strings in the config file
func (sc *ScaleConfig) UnmarshalJSON(data []byte) error {
	type Alias ScaleConfig
	aux := &struct {
		ReadTimeout       any `json:"read_timeout"`
		ReconnectBackoff  any `json:"reconnect_backoff"`
		MinStableDuration any `json:"min_stable_duration"`
		SimInterval       any `json:"sim_interval"`
		*Alias
	}{
		Alias: (*Alias)(sc),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, d := range []struct {
		raw any
		dst *time.Duration
	}{
		{aux.ReadTimeout, &sc.ReadTimeout},
		{aux.ReconnectBackoff, &sc.ReconnectBackoff},
		{aux.MinStableDuration, &sc.MinStableDuration},
		{aux.SimInterval, &sc.SimInterval},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := parseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for AgentConfig durations
func (ac *AgentConfig) UnmarshalJSON(data []byte) error {
	type Alias AgentConfig
	aux := &struct {
		PollInterval any `json:"poll_interval"`
		*Alias
	}{
		Alias: (*Alias)(ac),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PollInterval != nil {
		parsed, err := parseDuration(aux.PollInterval)
		if err != nil {
			return err
		}
		ac.PollInterval = parsed
	}
	return nil
}
