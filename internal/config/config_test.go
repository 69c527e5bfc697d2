// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "broxy.yaml", `
proxy:
  addr: "127.0.0.1:3128"
  instances: 2
  grace: "2s"

control:
  addr: "127.0.0.1:7000"
  instances: 3
  admin_grpc_addr: "127.0.0.1:7001"

bus:
  driver: redis
  addr: "redis:6379"
  db: 2
  group: "planes"

workers:
  heartbeat_interval: "10s"
  heartbeat_timeout: "30s"

queue:
  max_pending: 50
  request_ttl: "20s"
  sweep_interval: "500ms"

ledger:
  path: "/var/lib/broxy/ledger.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.Addr != "127.0.0.1:3128" {
		t.Errorf("Proxy.Addr = %q, want %q", cfg.Proxy.Addr, "127.0.0.1:3128")
	}
	if cfg.Proxy.Instances != 2 {
		t.Errorf("Proxy.Instances = %d, want 2", cfg.Proxy.Instances)
	}
	if cfg.Proxy.Grace != 2*time.Second {
		t.Errorf("Proxy.Grace = %v, want 2s", cfg.Proxy.Grace)
	}
	if cfg.Control.Instances != 3 {
		t.Errorf("Control.Instances = %d, want 3", cfg.Control.Instances)
	}
	if cfg.Control.AdminGRPCAddr != "127.0.0.1:7001" {
		t.Errorf("Control.AdminGRPCAddr = %q", cfg.Control.AdminGRPCAddr)
	}
	if cfg.Bus.Driver != BusRedis || cfg.Bus.Addr != "redis:6379" || cfg.Bus.DB != 2 || cfg.Bus.Group != "planes" {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	if cfg.Workers.HeartbeatInterval != 10*time.Second {
		t.Errorf("Workers.HeartbeatInterval = %v, want 10s", cfg.Workers.HeartbeatInterval)
	}
	if cfg.Workers.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Workers.HeartbeatTimeout = %v, want 30s", cfg.Workers.HeartbeatTimeout)
	}
	if cfg.Queue.MaxPending != 50 {
		t.Errorf("Queue.MaxPending = %d, want 50", cfg.Queue.MaxPending)
	}
	if cfg.Queue.RequestTTL != 20*time.Second {
		t.Errorf("Queue.RequestTTL = %v, want 20s", cfg.Queue.RequestTTL)
	}
	if cfg.Queue.SweepInterval != 500*time.Millisecond {
		t.Errorf("Queue.SweepInterval = %v, want 500ms", cfg.Queue.SweepInterval)
	}
	if cfg.Ledger.Path != "/var/lib/broxy/ledger.db" {
		t.Errorf("Ledger.Path = %q", cfg.Ledger.Path)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if got := cfg.ProxyDeadline(); got != 22*time.Second {
		t.Errorf("ProxyDeadline() = %v, want 22s", got)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "broxy.toml", `
[proxy]
addr = "127.0.0.1:3128"
instances = 8

[bus]
driver = "redis"
addr = "10.0.0.5:6379"

[queue]
request_ttl = "45s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.Instances != 8 {
		t.Errorf("Proxy.Instances = %d, want 8", cfg.Proxy.Instances)
	}
	if cfg.Bus.Addr != "10.0.0.5:6379" {
		t.Errorf("Bus.Addr = %q", cfg.Bus.Addr)
	}
	if cfg.Queue.RequestTTL != 45*time.Second {
		t.Errorf("Queue.RequestTTL = %v, want 45s", cfg.Queue.RequestTTL)
	}
	// untouched keys keep defaults
	if cfg.Control.Addr != "0.0.0.0:9999" {
		t.Errorf("Control.Addr = %q, want default", cfg.Control.Addr)
	}
}

func TestLoad_DefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "broxy.yaml", "logging:\n  level: warn\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.Logging.Level = "warn"

	if cfg.Proxy != want.Proxy {
		t.Errorf("Proxy = %+v, want %+v", cfg.Proxy, want.Proxy)
	}
	if cfg.Control != want.Control {
		t.Errorf("Control = %+v, want %+v", cfg.Control, want.Control)
	}
	if cfg.Workers != want.Workers {
		t.Errorf("Workers = %+v, want %+v", cfg.Workers, want.Workers)
	}
	if cfg.Queue != want.Queue {
		t.Errorf("Queue = %+v, want %+v", cfg.Queue, want.Queue)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Bus.Driver != BusMemory {
		t.Errorf("Bus.Driver = %q, want memory", cfg.Bus.Driver)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("BROXY_TEST_REDIS_PASSWORD", "s3cret")
	t.Setenv("BROXY_TEST_PROXY_ADDR", "0.0.0.0:3128")

	path := writeConfig(t, "broxy.yaml", `
proxy:
  addr: "${BROXY_TEST_PROXY_ADDR}"
bus:
  driver: redis
  password: "${BROXY_TEST_REDIS_PASSWORD}"
ledger:
  path: "${BROXY_TEST_UNSET_VARIABLE}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.Addr != "0.0.0.0:3128" {
		t.Errorf("Proxy.Addr = %q", cfg.Proxy.Addr)
	}
	if cfg.Bus.Password != "s3cret" {
		t.Errorf("Bus.Password = %q", cfg.Bus.Password)
	}
	if cfg.Ledger.Path != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Ledger.Path)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "broxy.yaml", "queue:\n  request_ttl: \"soon\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "queue.request_ttl") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if found {
		t.Error("found = true for a missing file")
	}
	if cfg.Proxy.Addr != Default().Proxy.Addr {
		t.Errorf("Proxy.Addr = %q, want default", cfg.Proxy.Addr)
	}

	path := writeConfig(t, "broxy.yaml", "proxy:\n  instances: 0\n")
	if _, _, err := LoadOrDefault(path); err == nil {
		t.Error("LoadOrDefault() should surface validation errors for an existing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "no proxy addr", mutate: func(c *Config) { c.Proxy.Addr = "" }, wantErr: "proxy.addr"},
		{name: "zero proxy instances", mutate: func(c *Config) { c.Proxy.Instances = 0 }, wantErr: "proxy.instances"},
		{name: "zero control instances", mutate: func(c *Config) { c.Control.Instances = 0 }, wantErr: "control.instances"},
		{name: "no control addr", mutate: func(c *Config) { c.Control.Addr = "" }, wantErr: "control.addr"},
		{
			name: "tailnet-only control",
			mutate: func(c *Config) {
				c.Control.Addr = ""
				c.Tailscale.Enabled = true
			},
		},
		{name: "unknown bus driver", mutate: func(c *Config) { c.Bus.Driver = "kafka" }, wantErr: "bus.driver"},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Bus.Driver = BusRedis
				c.Bus.Addr = ""
			},
			wantErr: "bus.addr",
		},
		{
			name:    "timeout shorter than interval",
			mutate:  func(c *Config) { c.Workers.HeartbeatTimeout = time.Second },
			wantErr: "heartbeat_timeout",
		},
		{name: "zero capacity", mutate: func(c *Config) { c.Queue.MaxPending = 0 }, wantErr: "queue.max_pending"},
		{name: "zero ttl", mutate: func(c *Config) { c.Queue.RequestTTL = 0 }, wantErr: "queue.request_ttl"},
		{name: "relative metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: "metrics.path"},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = ""
			},
			wantErr: "tailscale.hostname",
		},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
