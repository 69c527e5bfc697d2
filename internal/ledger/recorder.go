// ABOUTME: Asynchronous writer that keeps disk I/O off the control-plane loop
// ABOUTME: Outcomes are buffered and dropped with a warning when the buffer is full

package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const writeTimeout = 5 * time.Second

// Recorder writes outcomes to a Store on its own goroutine. A nil *Recorder
// discards everything.
type Recorder struct {
	store  *Store
	ch     chan Outcome
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder holding at most buffer pending outcomes.
func NewRecorder(store *Store, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		ch:     make(chan Outcome, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "ledger"),
	}
	go r.run()
	return r
}

// Record queues an outcome without blocking.
func (r *Recorder) Record(o Outcome) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.ch <- o:
	default:
		r.logger.Warn("ledger buffer full, dropping outcome",
			"request_id", o.RequestID,
			"outcome", o.Kind)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for o := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Insert(ctx, o); err != nil {
			r.logger.Error("failed to record outcome", "request_id", o.RequestID, "error", err)
		}
		cancel()
	}
}

// Close flushes queued outcomes and stops the writer. The store stays open.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
}
