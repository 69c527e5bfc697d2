// ABOUTME: Process orchestrator that wires the bus, control planes, front-ends and admin servers
// ABOUTME: Owns listeners and the shutdown order for every broxy role

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/broxy/internal/admin"
	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/config"
	"github.com/2389/broxy/internal/control"
	"github.com/2389/broxy/internal/ledger"
	"github.com/2389/broxy/internal/metrics"
	"github.com/2389/broxy/internal/proxy"
)

// Role selects which halves of the system a process runs.
type Role string

const (
	RoleAll     Role = "all"
	RoleControl Role = "control"
	RoleProxy   Role = "proxy"
)

// ErrMemoryBusRole is returned when a split role is configured with the
// in-process bus, which cannot reach the other half.
var ErrMemoryBusRole = errors.New("the memory bus only links roles inside one process; use bus.driver: redis for split roles")

const (
	ledgerBuffer        = 1024
	healthWatchInterval = 2 * time.Second
)

// Gateway orchestrates the broxy server components for one role.
type Gateway struct {
	config *config.Config
	role   Role
	logger *slog.Logger

	bus      bus.Bus
	metrics  *metrics.Metrics
	ledger   *ledger.Store
	recorder *ledger.Recorder

	control *control.Group
	proxy   *proxy.Group
	admin   *admin.Service

	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server

	proxyLn   net.Listener
	controlLn []net.Listener
	grpcLn    net.Listener
}

// New builds every component the role needs. The bus connection is
// established here so configuration errors surface before anything listens.
func New(ctx context.Context, cfg *config.Config, role Role, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch role {
	case RoleAll, RoleControl, RoleProxy:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if role != RoleAll && cfg.Bus.Driver == config.BusMemory {
		return nil, ErrMemoryBusRole
	}

	g := &Gateway{
		config: cfg,
		role:   role,
		logger: logger.With("component", "gateway"),
	}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
	}

	b, err := bus.Open(ctx, bus.Options{
		Driver:   cfg.Bus.Driver,
		Addr:     cfg.Bus.Addr,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
		Group:    cfg.Bus.Group,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening bus: %w", err)
	}
	g.bus = b

	if g.runsControl() {
		if err := g.initControl(logger); err != nil {
			_ = g.bus.Close()
			return nil, err
		}
	}

	if g.runsProxy() {
		g.proxy = proxy.NewGroup(proxy.GroupConfig{
			Instances: cfg.Proxy.Instances,
			Frontend: proxy.Config{
				Deadline: cfg.ProxyDeadline(),
				Addr:     cfg.Proxy.Addr,
			},
			MetricsPath: g.metricsPath(),
		}, g.bus, g.metrics, logger)
	}

	return g, nil
}

func (g *Gateway) initControl(logger *slog.Logger) error {
	cfg := g.config

	if cfg.Ledger.Path != "" {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		g.ledger = store
		g.recorder = ledger.NewRecorder(store, ledgerBuffer, logger)
	}

	var rec control.OutcomeRecorder
	if g.recorder != nil {
		rec = g.recorder
	}
	g.control = control.NewGroup(control.GroupConfig{
		Instances: cfg.Control.Instances,
		Plane: control.Config{
			HeartbeatInterval: cfg.Workers.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Workers.HeartbeatTimeout,
			MaxPending:        cfg.Queue.MaxPending,
			RequestTTL:        cfg.Queue.RequestTTL,
			SweepInterval:     cfg.Queue.SweepInterval,
		},
		MetricsPath: g.metricsPath(),
	}, g.bus, g.metrics, rec, logger)

	if cfg.Control.AdminGRPCAddr != "" {
		var outcomes admin.OutcomeLedger
		if g.ledger != nil {
			outcomes = g.ledger
		}
		g.admin = admin.NewService(g.control, outcomes, logger)
		g.grpcServer = admin.NewGRPCServer(logger)
		g.admin.Register(g.grpcServer)
	}
	return nil
}

func (g *Gateway) runsControl() bool { return g.role == RoleAll || g.role == RoleControl }
func (g *Gateway) runsProxy() bool   { return g.role == RoleAll || g.role == RoleProxy }

func (g *Gateway) metricsPath() string {
	if !g.config.Metrics.Enabled {
		return ""
	}
	return g.config.Metrics.Path
}

// Control returns the control-plane group, or nil for the proxy role.
func (g *Gateway) Control() *control.Group { return g.control }

// Proxy returns the front-end group, or nil for the control role.
func (g *Gateway) Proxy() *proxy.Group { return g.proxy }

// Listen opens every listener the role needs. Run calls it when it has not
// been called; calling it first lets callers learn the bound addresses.
func (g *Gateway) Listen(ctx context.Context) error {
	if g.proxyLn != nil || len(g.controlLn) > 0 {
		return nil
	}

	cleanup := func() {
		for _, ln := range g.allListeners() {
			_ = ln.Close()
		}
		g.proxyLn, g.controlLn, g.grpcLn = nil, nil, nil
	}

	if g.runsControl() {
		if g.config.Control.Addr != "" {
			ln, err := net.Listen("tcp", g.config.Control.Addr)
			if err != nil {
				return fmt.Errorf("listening on control address: %w", err)
			}
			g.controlLn = append(g.controlLn, ln)
		}

		if g.config.Tailscale.Enabled {
			ln, err := g.setupTailscaleListener(ctx)
			if err != nil {
				cleanup()
				return err
			}
			g.controlLn = append(g.controlLn, ln)
		}

		if g.grpcServer != nil {
			ln, err := net.Listen("tcp", g.config.Control.AdminGRPCAddr)
			if err != nil {
				cleanup()
				return fmt.Errorf("listening on admin gRPC address: %w", err)
			}
			g.grpcLn = ln
		}
	}

	if g.runsProxy() {
		ln, err := net.Listen("tcp", g.config.Proxy.Addr)
		if err != nil {
			cleanup()
			return fmt.Errorf("listening on proxy address: %w", err)
		}
		g.proxyLn = ln
	}

	return nil
}

func (g *Gateway) allListeners() []net.Listener {
	var out []net.Listener
	out = append(out, g.controlLn...)
	if g.grpcLn != nil {
		out = append(out, g.grpcLn)
	}
	if g.proxyLn != nil {
		out = append(out, g.proxyLn)
	}
	return out
}

// ProxyAddr is the bound front-end address, empty before Listen.
func (g *Gateway) ProxyAddr() string {
	if g.proxyLn == nil {
		return ""
	}
	return g.proxyLn.Addr().String()
}

// ControlAddr is the bound worker endpoint address on the local network,
// empty before Listen.
func (g *Gateway) ControlAddr() string {
	if len(g.controlLn) == 0 || g.config.Control.Addr == "" {
		return ""
	}
	return g.controlLn[0].Addr().String()
}

// AdminAddr is the bound admin gRPC address, empty when disabled.
func (g *Gateway) AdminAddr() string {
	if g.grpcLn == nil {
		return ""
	}
	return g.grpcLn.Addr().String()
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Listen(ctx); err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}

	g.logger.Info("starting broxy", "role", string(g.role), "bus", g.config.Bus.Driver)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	if g.control != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.control.Serve(runCtx, g.controlLn...); err != nil {
				errCh <- fmt.Errorf("control: %w", err)
			}
		}()
	}

	if g.proxy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.proxy.Serve(runCtx, g.proxyLn); err != nil {
				errCh <- fmt.Errorf("proxy: %w", err)
			}
		}()
	}

	if g.grpcServer != nil {
		go func() {
			g.logger.Info("admin gRPC server listening", "addr", g.grpcLn.Addr().String())
			if err := g.grpcServer.Serve(g.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("admin gRPC server: %w", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.admin.WatchHealth(runCtx, healthWatchInterval)
		}()
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	// Servers stop before the bus closes underneath them.
	cancel()
	wg.Wait()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the admin server and releases the tailnet node, ledger and
// bus. The control and proxy groups stop when Run's context ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}
	if g.grpcLn != nil {
		_ = g.grpcLn.Close()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	// Recorder flushes into the store before the store closes.
	g.recorder.Close()
	if g.ledger != nil {
		errs = appendCloseError(errs, "ledger close", g.ledger.Close())
	}
	errs = appendCloseError(errs, "bus close", g.bus.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "broxy", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for workers on the
// configured port.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	port := tsCfg.Port
	if port == 0 {
		port = 9999
	}
	ln, err := g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("listening on tailscale worker port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
