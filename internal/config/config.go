// ABOUTME: Configuration loading and parsing for broxy
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Bus drivers accepted in bus.driver.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config represents the complete broxy configuration
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Control   ControlConfig   `yaml:"control" toml:"control"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Workers   WorkersConfig   `yaml:"workers" toml:"workers"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ProxyConfig holds the dispatch front-end settings
type ProxyConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Instances int    `yaml:"instances" toml:"instances"`

	// Grace is added to the queue TTL to form the front-end's local deadline
	Grace    time.Duration `yaml:"-" toml:"-"`
	GraceRaw string        `yaml:"grace" toml:"grace"`
}

// ControlConfig holds the control plane settings
type ControlConfig struct {
	Addr          string `yaml:"addr" toml:"addr"`
	Instances     int    `yaml:"instances" toml:"instances"`
	AdminGRPCAddr string `yaml:"admin_grpc_addr" toml:"admin_grpc_addr"`
}

// BusConfig selects and addresses the inter-process bus
type BusConfig struct {
	Driver   string `yaml:"driver" toml:"driver"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Group    string `yaml:"group" toml:"group"`
}

// WorkersConfig holds worker liveness timing
type WorkersConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// QueueConfig holds per-control-plane queue limits
type QueueConfig struct {
	MaxPending int `yaml:"max_pending" toml:"max_pending"`

	RequestTTL    time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	RequestTTLRaw    string `yaml:"request_ttl" toml:"request_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LedgerConfig holds the job-outcome history location. Empty disables it.
type LedgerConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the worker endpoint
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Port      int    `yaml:"port" toml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Addr:      "0.0.0.0:8080",
			Instances: 4,
			Grace:     5 * time.Second,
			GraceRaw:  "5s",
		},
		Control: ControlConfig{
			Addr:      "0.0.0.0:9999",
			Instances: 1,
		},
		Bus: BusConfig{
			Driver: BusMemory,
			Addr:   "127.0.0.1:6379",
			Group:  "control-plane",
		},
		Workers: WorkersConfig{
			HeartbeatInterval:    25 * time.Second,
			HeartbeatTimeout:     60 * time.Second,
			HeartbeatIntervalRaw: "25s",
			HeartbeatTimeoutRaw:  "60s",
		},
		Queue: QueueConfig{
			MaxPending:       1000,
			RequestTTL:       60 * time.Second,
			SweepInterval:    time.Second,
			RequestTTLRaw:    "60s",
			SweepIntervalRaw: "1s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tailscale: TailscaleConfig{
			Hostname: "broxy",
			Port:     9999,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML. Keys
// absent from the file keep their defaults. Environment variables in the
// format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(path, data)
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Parse decodes config content. The path only selects the format.
func Parse(path string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Proxy.Addr == "" {
		return fmt.Errorf("proxy.addr is required")
	}
	if c.Proxy.Instances < 1 {
		return fmt.Errorf("proxy.instances must be at least 1, got %d", c.Proxy.Instances)
	}
	if c.Proxy.Grace < 0 {
		return fmt.Errorf("proxy.grace must not be negative")
	}

	// The worker endpoint may live on the tailnet only
	if c.Control.Addr == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("control.addr is required (or enable tailscale)")
	}
	if c.Control.Instances < 1 {
		return fmt.Errorf("control.instances must be at least 1, got %d", c.Control.Instances)
	}

	switch c.Bus.Driver {
	case BusMemory:
	case BusRedis:
		if c.Bus.Addr == "" {
			return fmt.Errorf("bus.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("bus.driver must be %q or %q, got %q", BusMemory, BusRedis, c.Bus.Driver)
	}

	if c.Workers.HeartbeatInterval <= 0 {
		return fmt.Errorf("workers.heartbeat_interval must be positive")
	}
	if c.Workers.HeartbeatTimeout < c.Workers.HeartbeatInterval {
		return fmt.Errorf("workers.heartbeat_timeout (%s) must not be shorter than workers.heartbeat_interval (%s)",
			c.Workers.HeartbeatTimeout, c.Workers.HeartbeatInterval)
	}

	if c.Queue.MaxPending < 1 {
		return fmt.Errorf("queue.max_pending must be at least 1, got %d", c.Queue.MaxPending)
	}
	if c.Queue.RequestTTL <= 0 {
		return fmt.Errorf("queue.request_ttl must be positive")
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("queue.sweep_interval must be positive")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ProxyDeadline is how long a front-end holds a client before answering 504
// itself.
func (c *Config) ProxyDeadline() time.Duration {
	return c.Queue.RequestTTL + c.Proxy.Grace
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"proxy.grace", cfg.Proxy.GraceRaw, &cfg.Proxy.Grace},
		{"workers.heartbeat_interval", cfg.Workers.HeartbeatIntervalRaw, &cfg.Workers.HeartbeatInterval},
		{"workers.heartbeat_timeout", cfg.Workers.HeartbeatTimeoutRaw, &cfg.Workers.HeartbeatTimeout},
		{"queue.request_ttl", cfg.Queue.RequestTTLRaw, &cfg.Queue.RequestTTL},
		{"queue.sweep_interval", cfg.Queue.SweepIntervalRaw, &cfg.Queue.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
