// Package config loads the daemon's TOML configuration, overlaying file
// values onto built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the runtime settings of the daemon.
type Config struct {
	ListenAddr  string
	Name        string
	Version     string
	Description string

	HeartbeatInterval time.Duration
	MaxFrameSize      int
	RateLimitRPS      float64
	RateLimitBurst    int

	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	MetricsAddr    string

	TracingEnabled  bool
	TracingExporter string
	TracingEndpoint string
	TracingInsecure bool
	SampleRate      float64
	Environment     string
}

// fileConfig is the config.toml key mapping onto Config.
type fileConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`

	HeartbeatInterval string  `toml:"heartbeat_interval"`
	MaxFrameSize      int     `toml:"max_frame_size"`
	RateLimitRPS      float64 `toml:"rate_limit_rps"`
	RateLimitBurst    int     `toml:"rate_limit_burst"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	MetricsEnabled bool   `toml:"metrics_enabled"`
	MetricsAddr    string `toml:"metrics_addr"`

	TracingEnabled  bool    `toml:"tracing_enabled"`
	TracingExporter string  `toml:"tracing_exporter"`
	TracingEndpoint string  `toml:"tracing_endpoint"`
	TracingInsecure bool    `toml:"tracing_insecure"`
	SampleRate      float64 `toml:"trace_sample_rate"`
	Environment     string  `toml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":9800",
		Name:              "mcpwire",
		Version:           "dev",
		HeartbeatInterval: 30 * time.Second,
		RateLimitBurst:    10,
		LogLevel:          "info",
		LogFormat:         "text",
		MetricsAddr:       ":9801",
		TracingExporter:   "otlp-grpc",
		SampleRate:        1.0,
		Environment:       "development",
	}
}

// Load reads a TOML file and overlays its defined keys onto the defaults.
// Keys absent from the file keep their default values, so a false or zero in
// the file is distinguishable from an omitted key.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("description") {
		cfg.Description = strings.TrimSpace(raw.Description)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return Config{}, fmt.Errorf("load config: heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("rate_limit_rps") {
		cfg.RateLimitRPS = raw.RateLimitRPS
	}
	if meta.IsDefined("rate_limit_burst") {
		cfg.RateLimitBurst = raw.RateLimitBurst
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	if meta.IsDefined("metrics_enabled") {
		cfg.MetricsEnabled = raw.MetricsEnabled
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("tracing_enabled") {
		cfg.TracingEnabled = raw.TracingEnabled
	}
	if meta.IsDefined("tracing_exporter") {
		cfg.TracingExporter = strings.TrimSpace(raw.TracingExporter)
	}
	if meta.IsDefined("tracing_endpoint") {
		cfg.TracingEndpoint = strings.TrimSpace(raw.TracingEndpoint)
	}
	if meta.IsDefined("tracing_insecure") {
		cfg.TracingInsecure = raw.TracingInsecure
	}
	if meta.IsDefined("trace_sample_rate") {
		cfg.SampleRate = raw.SampleRate
	}
	if meta.IsDefined("environment") {
		cfg.Environment = strings.TrimSpace(raw.Environment)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a configuration for values the daemon cannot run with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config invalid log_level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config invalid log_format %q", cfg.LogFormat)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("config rate_limit_rps must not be negative")
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		return fmt.Errorf("config rate_limit_burst required when rate_limit_rps is set")
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return fmt.Errorf("config trace_sample_rate must be between 0 and 1")
	}
	if cfg.MetricsEnabled && strings.TrimSpace(cfg.MetricsAddr) == "" {
		return fmt.Errorf("config missing metrics_addr with metrics enabled")
	}
	if cfg.TracingEnabled && cfg.TracingExporter != "noop" &&
		strings.TrimSpace(cfg.TracingEndpoint) == "" {
		return fmt.Errorf("config missing tracing_endpoint with tracing enabled")
	}
	return nil
}
