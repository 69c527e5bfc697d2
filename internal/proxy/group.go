// ABOUTME: Runs N independent front-ends on one listener
// ABOUTME: Origin-form /health and metrics requests are answered locally, never proxied

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// GroupConfig sizes a group of front-ends.
type GroupConfig struct {
	Instances   int
	Frontend    Config
	MetricsPath string
}

// Group owns the front-ends of one proxy process.
type Group struct {
	frontends   []*Frontend
	metrics     *metrics.Metrics
	metricsPath string
	logger      *slog.Logger
}

// NewGroup creates gc.Instances front-ends, each with its own pending table
// and result subscription.
func NewGroup(gc GroupConfig, b bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	n := max(gc.Instances, 1)
	base := gc.Frontend.InstanceID
	if base == "" {
		base = "proxy-" + uuid.NewString()[:8]
	}

	g := &Group{
		metrics:     m,
		metricsPath: gc.MetricsPath,
		logger:      logger.With("component", "proxy-group"),
	}
	for i := range n {
		cfg := gc.Frontend
		cfg.InstanceID = fmt.Sprintf("%s-%d", base, i)
		g.frontends = append(g.frontends, NewFrontend(cfg, b, m, logger))
	}
	return g
}

// Frontends returns the group's front-ends.
func (g *Group) Frontends() []*Frontend {
	return g.frontends
}

// Pending sums waiting clients across instances.
func (g *Group) Pending() int {
	total := 0
	for _, f := range g.frontends {
		total += f.Pending()
	}
	return total
}

// Serve subscribes every front-end to results, then serves them on ln until
// ctx is cancelled or a server fails.
func (g *Group) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, f := range g.frontends {
		if err := f.Start(runCtx); err != nil {
			return fmt.Errorf("front-end %s: %w", f.ID(), err)
		}
	}

	errCh := make(chan error, len(g.frontends))
	servers := make([]*http.Server, 0, len(g.frontends))
	for _, f := range g.frontends {
		srv := &http.Server{
			Handler:           g.Handler(f),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && runCtx.Err() == nil {
				errCh <- fmt.Errorf("proxy server %s: %w", f.ID(), err)
			}
		}()
	}
	g.logger.Info("proxy listening", "addr", ln.Addr().String(), "instances", len(g.frontends))

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, stopping front-ends")
	case serveErr = <-errCh:
		g.logger.Error("proxy server failed", "error", serveErr)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return serveErr
}

// Handler sends proxy traffic to f and answers origin-form admin requests.
// Any other origin-form request reaches f and is rejected there.
func (g *Group) Handler(f *Frontend) http.Handler {
	local := http.NewServeMux()
	local.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if g.metrics != nil && g.metricsPath != "" {
		local.Handle("GET "+g.metricsPath, g.metrics.Handler())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect && !r.URL.IsAbs() {
			if h, pattern := local.Handler(r); pattern != "" {
				h.ServeHTTP(w, r)
				return
			}
		}
		f.ServeHTTP(w, r)
	})
}
