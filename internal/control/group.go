// ABOUTME: Runs N independent control planes behind one listener plus admin routes
// ABOUTME: Each accepted worker connection is pinned to the plane whose server accepted it

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// GroupConfig sizes a group of planes.
type GroupConfig struct {
	Instances   int
	Plane       Config
	MetricsPath string
}

// Group owns the planes of one control process. Planes share nothing but the
// bus.
type Group struct {
	planes      []*Plane
	metrics     *metrics.Metrics
	metricsPath string
	logger      *slog.Logger
}

// NewGroup creates gc.Instances planes. Plane ids are derived from
// gc.Plane.InstanceID, or from a random prefix when it is empty.
func NewGroup(gc GroupConfig, b bus.Bus, m *metrics.Metrics, rec OutcomeRecorder, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	n := max(gc.Instances, 1)
	base := gc.Plane.InstanceID
	if base == "" {
		base = "control-" + uuid.NewString()[:8]
	}

	g := &Group{
		metrics:     m,
		metricsPath: gc.MetricsPath,
		logger:      logger.With("component", "control-group"),
	}
	for i := range n {
		cfg := gc.Plane
		cfg.InstanceID = fmt.Sprintf("%s-%d", base, i)
		g.planes = append(g.planes, New(cfg, b, m, rec, logger))
	}
	return g
}

// Planes returns the group's planes.
func (g *Group) Planes() []*Plane {
	return g.planes
}

// Serve runs every plane and serves each of them on every listener until ctx
// is cancelled or a server fails.
func (g *Group) Serve(ctx context.Context, listeners ...net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(g.planes)*(len(listeners)+1))
	var wg sync.WaitGroup
	var servers []*http.Server

	for _, p := range g.planes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("control plane %s: %w", p.ID(), err)
			}
		}()

		for _, ln := range listeners {
			srv := &http.Server{
				Handler:           g.Handler(p),
				ReadHeaderTimeout: 10 * time.Second,
			}
			servers = append(servers, srv)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && runCtx.Err() == nil {
					errCh <- fmt.Errorf("control server on %s: %w", ln.Addr(), err)
				}
			}()
		}
	}

	for _, ln := range listeners {
		g.logger.Info("worker endpoint listening", "addr", ln.Addr().String(), "instances", len(g.planes))
	}

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, stopping control planes")
	case serveErr = <-errCh:
		g.logger.Error("control plane failed", "error", serveErr)
	}

	// Stop loops first so worker sockets close; Shutdown ignores hijacked conns.
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()

	return serveErr
}

// Handler routes admin endpoints and upgrades everything else to a worker
// WebSocket on p.
func (g *Group) Handler(p *Plane) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /stats", g.handleStats)
	if g.metrics != nil && g.metricsPath != "" {
		mux.Handle("GET "+g.metricsPath, g.metrics.Handler())
	}
	mux.HandleFunc("/", p.ServeWS)
	return mux
}

// Stats collects a snapshot from every plane.
func (g *Group) Stats(ctx context.Context) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(g.planes))
	for _, p := range g.planes {
		s, err := p.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats from %s: %w", p.ID(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// WorkerCount returns the number of registered workers across all planes.
func (g *Group) WorkerCount(ctx context.Context) (int, error) {
	snaps, err := g.Stats(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range snaps {
		total += s.Workers.Total
	}
	return total, nil
}

// handleHealth returns 200 OK if the server is alive.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one worker is connected.
func (g *Group) handleReady(w http.ResponseWriter, r *http.Request) {
	n, err := g.WorkerCount(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("control plane unavailable"))
		return
	}
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", n)
}

func (g *Group) handleStats(w http.ResponseWriter, r *http.Request) {
	snaps, err := g.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"instances": snaps}); err != nil {
		g.logger.Debug("failed to write stats", "error", err)
	}
}
