// ABOUTME: Point-in-time view of a plane's pool and queue for /stats and admin RPC
// ABOUTME: Built on the loop goroutine so it never races the registry

package control

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/broxy/internal/jobqueue"
	"github.com/2389/broxy/internal/worker"
)

// WorkerInfo describes one worker in a snapshot.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Address       string    `json:"address"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Browser       string    `json:"browser,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Snapshot is one plane's state.
type Snapshot struct {
	Instance    string         `json:"instance"`
	Workers     worker.Stats   `json:"workers"`
	Queue       jobqueue.Stats `json:"queue"`
	Connections int            `json:"connections"`
	WorkerList  []WorkerInfo   `json:"worker_list"`
}

func (p *Plane) snapshot() Snapshot {
	all := p.registry.All()
	list := make([]WorkerInfo, 0, len(all))
	for _, w := range all {
		jobID, _ := w.Job()
		list = append(list, WorkerInfo{
			ID:            w.ID,
			Status:        w.Status.String(),
			Address:       w.Metadata.Address,
			UserAgent:     w.Metadata.UserAgent,
			Browser:       w.Metadata.Browser,
			Platform:      w.Metadata.Platform,
			JobID:         jobID,
			RegisteredAt:  w.RegisteredAt,
			LastHeartbeat: w.LastHeartbeat,
		})
	}
	return Snapshot{
		Instance:    p.cfg.InstanceID,
		Workers:     p.registry.Stats(),
		Queue:       p.queue.Stats(),
		Connections: len(p.conns),
		WorkerList:  list,
	}
}

// clientAddress prefers the first X-Forwarded-For hop over the socket peer.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
