// ABOUTME: Dispatch front-end that turns proxy requests into bus jobs
// ABOUTME: Holds each client until its correlated result arrives, times out, or the client leaves

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/metrics"
	"github.com/2389/broxy/internal/protocol"
)

const maxBodySize = 32 << 20

// Config tunes one front-end.
type Config struct {
	InstanceID string
	// Deadline bounds how long a client waits locally. It should exceed the
	// control plane's request TTL so the plane's timeout result normally
	// arrives first.
	Deadline time.Duration
	// Addr is shown in usage hints for misdirected requests.
	Addr string
}

type waiter struct {
	ch        chan protocol.Result
	createdAt time.Time
}

// Frontend is one dispatch front-end instance.
type Frontend struct {
	cfg     Config
	bus     bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*waiter
}

// NewFrontend creates a front-end. Metrics may be nil.
func NewFrontend(cfg Config, b bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Frontend{
		cfg:     cfg,
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "proxy", "instance", cfg.InstanceID),
		pending: make(map[string]*waiter),
	}
}

// ID returns the front-end's instance id.
func (f *Frontend) ID() string {
	return f.cfg.InstanceID
}

// Start subscribes to results and resolves them in the background until ctx
// is cancelled. It returns once the subscription is live.
func (f *Frontend) Start(ctx context.Context) error {
	results, err := f.bus.SubscribeResults(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to results: %w", err)
	}
	go func() {
		for res := range results {
			f.Resolve(res)
		}
		if ctx.Err() == nil {
			f.logger.Error("result subscription ended unexpectedly")
		}
	}()
	return nil
}

// ServeHTTP handles one forward-proxy request.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	target, err := TargetURL(r)
	if err != nil {
		f.writeBadRequest(w, err)
		f.metrics.ObserveProxy(http.StatusBadRequest, time.Since(start))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, http.StatusText(status), status)
		f.metrics.ObserveProxy(status, time.Since(start))
		return
	}

	id := uuid.NewString()
	ch := f.register(id)

	job := protocol.Job{
		RequestID:   id,
		Method:      r.Method,
		URL:         target,
		Headers:     FilterHeaders(r.Header),
		Body:        string(body),
		SubmittedAt: time.Now(),
	}
	if err := f.bus.PublishJob(r.Context(), job); err != nil {
		f.forget(id)
		f.logger.Error("failed to publish job", "request_id", id, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		f.metrics.ObserveProxy(http.StatusBadGateway, time.Since(start))
		return
	}
	f.logger.Debug("forwarded request", "request_id", id, "method", r.Method, "url", target)

	timer := time.NewTimer(f.cfg.Deadline)
	defer timer.Stop()

	select {
	case res := <-ch:
		status := writeResult(w, res)
		f.metrics.ObserveProxy(status, time.Since(start))
		f.logger.Debug("request answered", "request_id", id, "status", status, "elapsed", time.Since(start))

	case <-timer.C:
		f.forget(id)
		f.logger.Warn("no result before deadline", "request_id", id, "url", target, "deadline", f.cfg.Deadline)
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		f.metrics.ObserveProxy(http.StatusGatewayTimeout, time.Since(start))

	case <-r.Context().Done():
		// The job keeps running; its result is discarded on arrival.
		f.forget(id)
		f.logger.Debug("client went away", "request_id", id)
	}
}

// Resolve hands a result to the waiting client. Unknown ids (already
// resolved, timed out, or owned by another instance) are ignored. Reports
// whether a client was waiting.
func (f *Frontend) Resolve(res protocol.Result) bool {
	f.mu.Lock()
	wt, ok := f.pending[res.RequestID]
	if ok {
		delete(f.pending, res.RequestID)
	}
	n := len(f.pending)
	f.mu.Unlock()

	if !ok {
		return false
	}
	f.metrics.SetPending(f.cfg.InstanceID, n)
	f.logger.Debug("result correlated",
		"request_id", res.RequestID,
		"worker_id", res.WorkerID,
		"waited", time.Since(wt.createdAt))
	wt.ch <- res
	return true
}

// Pending returns the number of clients waiting for a result.
func (f *Frontend) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Frontend) register(id string) <-chan protocol.Result {
	ch := make(chan protocol.Result, 1)
	f.mu.Lock()
	f.pending[id] = &waiter{ch: ch, createdAt: time.Now()}
	n := len(f.pending)
	f.mu.Unlock()
	f.metrics.SetPending(f.cfg.InstanceID, n)
	return ch
}

func (f *Frontend) forget(id string) {
	f.mu.Lock()
	delete(f.pending, id)
	n := len(f.pending)
	f.mu.Unlock()
	f.metrics.SetPending(f.cfg.InstanceID, n)
}

func (f *Frontend) writeBadRequest(w http.ResponseWriter, err error) {
	addr := f.cfg.Addr
	if addr == "" {
		addr = "localhost:8080"
	}

	if errors.Is(err, ErrConnectNotSupported) {
		http.Error(w, fmt.Sprintf("Use HTTP URLs only. Example: curl -x http://%s http://example.com", addr), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "Bad Request",
		"message": fmt.Sprintf("Use as HTTP proxy: curl -x http://%s http://example.com", addr),
	})
}

// writeResult replays a result to the client and returns the status sent.
func writeResult(w http.ResponseWriter, res protocol.Result) int {
	if res.Failed() {
		status := res.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		body := res.Body
		if body == "" {
			body = "Bad Gateway"
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return status
	}

	for name, value := range res.Headers {
		if skipResponseHeader(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, res.Body)
	return status
}
