// ABOUTME: Entry point for broxy, the HTTP proxy that dispatches requests to remote workers
// ABOUTME: Runs the control plane, the proxy front-end, or both, plus admin subcommands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/broxy/internal/admin"
	"github.com/2389/broxy/internal/config"
	"github.com/2389/broxy/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _
 | |__  _ __ _____  ___   _
 | '_ \| '__/ _ \ \/ / | | |
 | |_) | | | (_) >  <| |_| |
 |_.__/|_|  \___/_/\_\\__, |
                      |___/
`

// getConfigPath returns the path to the broxy config file.
// Priority: BROXY_CONFIG env var > XDG_CONFIG_HOME/broxy/broxy.yaml > ~/.config/broxy/broxy.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BROXY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broxy.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "broxy", "broxy.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: broxy <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Run control plane and proxy in one process")
		fmt.Println("  control   Run only the control plane (requires the redis bus)")
		fmt.Println("  proxy     Run only the proxy front-end (requires the redis bus)")
		fmt.Println("  stats     Print control plane stats from the admin gRPC endpoint")
		fmt.Println("  health    Check control plane and proxy health")
		fmt.Println("  init      Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, gateway.RoleAll)
	case "control":
		err = runServe(ctx, gateway.RoleControl)
	case "proxy":
		err = runServe(ctx, gateway.RoleProxy)
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. Only the all-in-one role may run on
// defaults; split roles need at least a bus address.
func loadConfig(role gateway.Role) (*config.Config, string, error) {
	configPath := getConfigPath()
	if role != gateway.RoleAll {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if !found {
		configPath = "(defaults)"
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, role gateway.Role) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(role)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Role:      %s\n", role)
	green.Print("    ▶ ")
	fmt.Printf("Bus:       %s", cfg.Bus.Driver)
	if cfg.Bus.Driver == config.BusRedis {
		gray.Printf(" (%s)", cfg.Bus.Addr)
	}
	fmt.Println()
	if role != gateway.RoleControl {
		green.Print("    ▶ ")
		fmt.Printf("Proxy:     %s ", cfg.Proxy.Addr)
		gray.Printf("x%d\n", cfg.Proxy.Instances)
	}
	if role != gateway.RoleProxy {
		green.Print("    ▶ ")
		fmt.Printf("Workers:   %s ", cfg.Control.Addr)
		gray.Printf("x%d\n", cfg.Control.Instances)
		if cfg.Control.AdminGRPCAddr != "" {
			green.Print("    ▶ ")
			fmt.Printf("Admin:     %s\n", cfg.Control.AdminGRPCAddr)
		}
		if cfg.Tailscale.Enabled {
			green.Print("    ▶ ")
			fmt.Printf("Tailscale: ")
			cyan.Printf("%s:%d", cfg.Tailscale.Hostname, cfg.Tailscale.Port)
			if cfg.Tailscale.Ephemeral {
				gray.Print(" (ephemeral)")
			}
			fmt.Println()
		}
		if cfg.Control.Instances > 1 {
			yellow.Println("    ! each control instance only dispatches to its own workers")
		}
	}
	fmt.Println()

	logger.Info("starting broxy",
		"config", configPath,
		"role", string(role),
		"proxy_addr", cfg.Proxy.Addr,
		"control_addr", cfg.Control.Addr,
	)

	gw, err := gateway.New(ctx, cfg, role, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	addr := fs.String("addr", "", "admin gRPC address (default: control.admin_grpc_addr from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *addr == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Control.AdminGRPCAddr == "" {
			return fmt.Errorf("control.admin_grpc_addr is not configured; pass -addr")
		}
		*addr = dialable(cfg.Control.AdminGRPCAddr)
	}

	client, err := admin.Dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	checks := []struct {
		name string
		url  string
	}{
		{"control", fmt.Sprintf("http://%s/health/ready", dialable(cfg.Control.Addr))},
		{"proxy", fmt.Sprintf("http://%s/health", dialable(cfg.Proxy.Addr))},
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	var failed []string
	for _, c := range checks {
		status, body, err := get(ctx, c.url)
		switch {
		case err != nil:
			red.Printf("  ✗ %-8s %v\n", c.name, err)
			failed = append(failed, c.name)
		case status != http.StatusOK:
			red.Printf("  ✗ %-8s %d %s\n", c.name, status, body)
			failed = append(failed, c.name)
		default:
			green.Printf("  ✓ %-8s %s\n", c.name, body)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("unhealthy: %s", strings.Join(failed, ", "))
	}
	return nil
}

func get(ctx context.Context, url string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// dialable turns a wildcard bind address into one a local client can reach.
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("broxy configuration setup")
	fmt.Println("=========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	def := config.Default()

	fmt.Println("\n--- Proxy ---")
	proxyAddr := prompt(reader, "Proxy listen address", def.Proxy.Addr)
	proxyInstances := prompt(reader, "Proxy instances", fmt.Sprint(def.Proxy.Instances))

	fmt.Println("\n--- Control Plane ---")
	controlAddr := prompt(reader, "Worker endpoint address", def.Control.Addr)
	adminAddr := prompt(reader, "Admin gRPC address (empty to disable)", "127.0.0.1:9998")

	fmt.Println("\n--- Bus ---")
	busDriver := prompt(reader, "Bus driver (memory/redis)", def.Bus.Driver)
	busAddr := def.Bus.Addr
	if busDriver == config.BusRedis {
		busAddr = prompt(reader, "Redis address", def.Bus.Addr)
	}

	fmt.Println("\n--- Queue ---")
	maxPending := prompt(reader, "Max pending jobs per control plane", fmt.Sprint(def.Queue.MaxPending))
	requestTTL := prompt(reader, "Request TTL", def.Queue.RequestTTLRaw)

	fmt.Println("\n--- Ledger ---")
	ledgerPath := prompt(reader, "Job history database (empty to disable)", "")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", def.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", def.Logging.Format)

	var cfg strings.Builder
	cfg.WriteString("# broxy configuration\n")
	cfg.WriteString("# Generated by broxy init\n\n")

	cfg.WriteString("proxy:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", proxyAddr))
	cfg.WriteString(fmt.Sprintf("  instances: %s\n", proxyInstances))
	cfg.WriteString(fmt.Sprintf("  grace: \"%s\"\n", def.Proxy.GraceRaw))
	cfg.WriteString("\n")

	cfg.WriteString("control:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", controlAddr))
	cfg.WriteString("  instances: 1\n")
	cfg.WriteString(fmt.Sprintf("  admin_grpc_addr: \"%s\"\n", adminAddr))
	cfg.WriteString("\n")

	cfg.WriteString("bus:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", busDriver))
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", busAddr))
	cfg.WriteString("  password: \"${BROXY_REDIS_PASSWORD}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("workers:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: \"%s\"\n", def.Workers.HeartbeatIntervalRaw))
	cfg.WriteString(fmt.Sprintf("  heartbeat_timeout: \"%s\"\n", def.Workers.HeartbeatTimeoutRaw))
	cfg.WriteString("\n")

	cfg.WriteString("queue:\n")
	cfg.WriteString(fmt.Sprintf("  max_pending: %s\n", maxPending))
	cfg.WriteString(fmt.Sprintf("  request_ttl: \"%s\"\n", requestTTL))
	cfg.WriteString(fmt.Sprintf("  sweep_interval: \"%s\"\n", def.Queue.SweepIntervalRaw))
	cfg.WriteString("\n")

	cfg.WriteString("ledger:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", ledgerPath))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Refuse to write something serve would reject.
	if _, err := config.Parse(outputFile, []byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  broxy serve\n")

	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
