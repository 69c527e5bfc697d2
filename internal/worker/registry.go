// ABOUTME: In-memory table of connected worker agents and their liveness state
// ABOUTME: Owned by a single control-plane loop, so it carries no locks

package worker

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWorkerNotFound indicates the specified worker is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrWorkerNotIdle indicates a job was offered to a worker that is not Idle.
var ErrWorkerNotIdle = errors.New("worker not idle")

// Status is a worker's position in its lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Metadata is what a worker declares about itself at registration.
type Metadata struct {
	Address   string
	UserAgent string
	Browser   string
	Platform  string
}

// Worker is one registered agent.
type Worker struct {
	ID            string
	ConnID        string
	Status        Status
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	Metadata      Metadata

	job string // meaningful only while Busy
}

// Job returns the request id the worker holds. ok is false unless the
// worker is Busy.
func (w *Worker) Job() (jobID string, ok bool) {
	if w.Status != StatusBusy {
		return "", false
	}
	return w.job, true
}

// Holds reports whether the worker is Busy with jobID.
func (w *Worker) Holds(jobID string) bool {
	held, ok := w.Job()
	return ok && held == jobID
}

// Stats is a point-in-time count of workers by state.
type Stats struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
	Busy  int `json:"busy"`
}

// Registry tracks workers by id and by connection. It is not safe for
// concurrent use.
type Registry struct {
	workers map[string]*Worker
	byConn  map[string]string
	order   []string // worker ids in registration order
	cursor  int
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil clock means time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		workers: make(map[string]*Worker),
		byConn:  make(map[string]string),
		cursor:  -1,
		now:     now,
	}
}

// Register creates an Idle worker bound to connID.
func (r *Registry) Register(connID string, meta Metadata) *Worker {
	now := r.now()
	w := &Worker{
		ID:            "bot_" + uuid.NewString(),
		ConnID:        connID,
		Status:        StatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      meta,
	}
	r.workers[w.ID] = w
	r.byConn[connID] = w.ID
	r.order = append(r.order, w.ID)
	return w
}

// Unregister removes the worker bound to connID and returns it marked Gone.
func (r *Registry) Unregister(connID string) (*Worker, bool) {
	id, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	w := r.workers[id]
	r.remove(w)
	return w, true
}

// Get returns a worker by id.
func (r *Registry) Get(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// ByConn returns the worker bound to connID.
func (r *Registry) ByConn(connID string) (*Worker, bool) {
	id, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return r.workers[id], true
}

// All returns every registered worker in registration order.
func (r *Registry) All() []*Worker {
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	return len(r.order)
}

// SelectIdle picks an Idle worker round-robin over the idle subset as it is
// right now. The cursor survives between calls and wraps modulo the current
// subset size, so fairness is approximate once membership changes.
func (r *Registry) SelectIdle() (*Worker, bool) {
	idle := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		if w := r.workers[id]; w.Status == StatusIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return nil, false
	}

	r.cursor = (r.cursor + 1) % len(idle)
	return idle[r.cursor], true
}

// MarkBusy moves an Idle worker to Busy with the given job.
func (r *Registry) MarkBusy(id, jobID string) error {
	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if w.Status != StatusIdle {
		return ErrWorkerNotIdle
	}
	w.Status = StatusBusy
	w.job = jobID
	return nil
}

// MarkIdle clears a worker's job and makes it available again.
func (r *Registry) MarkIdle(id string) error {
	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Status = StatusIdle
	w.job = ""
	return nil
}

// Heartbeat refreshes the liveness timestamp of the worker on connID.
// Returns false if no worker is bound to that connection.
func (r *Registry) Heartbeat(connID string) bool {
	w, ok := r.ByConn(connID)
	if !ok {
		return false
	}
	w.LastHeartbeat = r.now()
	return true
}

// SweepStale removes and returns every worker whose last heartbeat is older
// than timeout.
func (r *Registry) SweepStale(timeout time.Duration) []*Worker {
	now := r.now()
	var stale []*Worker
	for _, id := range r.order {
		w := r.workers[id]
		if now.Sub(w.LastHeartbeat) > timeout {
			stale = append(stale, w)
		}
	}
	for _, w := range stale {
		r.remove(w)
	}
	return stale
}

// Stats counts workers by state.
func (r *Registry) Stats() Stats {
	s := Stats{Total: len(r.order)}
	for _, id := range r.order {
		switch r.workers[id].Status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		}
	}
	return s
}

func (r *Registry) remove(w *Worker) {
	delete(r.workers, w.ID)
	delete(r.byConn, w.ConnID)
	for i, id := range r.order {
		if id == w.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	w.Status = StatusGone
}
