// ABOUTME: Control plane event loop owning one worker registry and one job queue
// ABOUTME: Registers workers, dispatches jobs, sweeps liveness and expires stale jobs

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/dedupe"
	"github.com/2389/broxy/internal/jobqueue"
	"github.com/2389/broxy/internal/ledger"
	"github.com/2389/broxy/internal/metrics"
	"github.com/2389/broxy/internal/protocol"
	"github.com/2389/broxy/internal/worker"
)

const (
	eventBufferSize  = 256
	outboxBufferSize = 1024
	publishTimeout   = 5 * time.Second
)

// ErrStopped is returned by queries against a plane that is not running.
var ErrStopped = errors.New("control plane stopped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers are browser extensions and connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config tunes one plane.
type Config struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPending        int
	RequestTTL        time.Duration
	SweepInterval     time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// OutcomeRecorder receives the final state of every job the plane retires.
type OutcomeRecorder interface {
	Record(o ledger.Outcome)
}

// Events posted to the loop.
type (
	connOpened  struct{ conn *Conn }
	connMessage struct {
		conn *Conn
		data []byte
	}
	connClosed struct{ conn *Conn }
	statsQuery struct{ reply chan Snapshot }
)

// Plane is one control-plane instance. Its registry, queue and connection
// table are touched only by the goroutine running Run.
type Plane struct {
	cfg      Config
	bus      bus.Bus
	registry *worker.Registry
	queue    *jobqueue.Queue
	conns    map[string]*Conn
	finished *dedupe.Cache

	events  chan any
	outbox  chan protocol.Result
	stopped chan struct{}

	metrics *metrics.Metrics
	ledger  OutcomeRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a plane. Metrics and recorder may be nil.
func New(cfg Config, b bus.Bus, m *metrics.Metrics, rec OutcomeRecorder, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Plane{
		cfg:      cfg,
		bus:      b,
		registry: worker.NewRegistry(now),
		queue:    jobqueue.New(cfg.MaxPending, now),
		conns:    make(map[string]*Conn),
		finished: dedupe.New(2*cfg.RequestTTL, max(cfg.MaxPending*4, 1024), now),
		events:   make(chan any, eventBufferSize),
		outbox:   make(chan protocol.Result, outboxBufferSize),
		stopped:  make(chan struct{}),
		metrics:  m,
		ledger:   rec,
		now:      now,
		logger:   logger.With("component", "control", "instance", cfg.InstanceID),
	}
}

// ID returns the plane's instance id.
func (p *Plane) ID() string {
	return p.cfg.InstanceID
}

// Run processes events until ctx is cancelled. Every worker connection is
// closed on return.
func (p *Plane) Run(ctx context.Context) error {
	defer close(p.stopped)

	jobs, err := p.bus.ConsumeJobs(ctx, p.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("consuming jobs: %w", err)
	}

	go p.publishPump(ctx)

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	expiry := time.NewTicker(p.cfg.SweepInterval)
	defer expiry.Stop()

	p.logger.Info("control plane started",
		"heartbeat_interval", p.cfg.HeartbeatInterval,
		"heartbeat_timeout", p.cfg.HeartbeatTimeout,
		"max_pending", p.cfg.MaxPending,
		"request_ttl", p.cfg.RequestTTL)

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case ev := <-p.events:
			p.handleEvent(ctx, ev)

		case job, ok := <-jobs:
			if !ok {
				p.logger.Warn("job subscription ended")
				jobs = nil
				continue
			}
			p.handleJob(ctx, job)

		case <-heartbeat.C:
			p.sweepHeartbeats()

		case <-expiry.C:
			p.expireJobs(ctx)
		}
	}
}

// ServeWS upgrades a worker connection and pins it to this plane.
func (p *Plane) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, clientAddress(r), p.logger)
	if !p.post(connOpened{conn: c}) {
		c.Close()
		return
	}
	go c.writePump()
	go c.readPump(func(ev any) { p.post(ev) })
}

// Stats asks the loop for a snapshot.
func (p *Plane) Stats(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case p.events <- statsQuery{reply: reply}:
	case <-p.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-p.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// post hands an event to the loop. Returns false once the plane stopped.
func (p *Plane) post(ev any) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.stopped:
		return false
	}
}

func (p *Plane) handleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case connOpened:
		p.conns[e.conn.ID] = e.conn
		p.logger.Debug("worker connection opened", "conn_id", e.conn.ID, "remote_addr", e.conn.RemoteAddr)
	case connMessage:
		p.handleMessage(ctx, e.conn, e.data)
	case connClosed:
		p.handleClosed(e.conn)
	case statsQuery:
		e.reply <- p.snapshot()
	default:
		p.logger.Error("unknown event", "event", fmt.Sprintf("%T", ev))
	}
}

func (p *Plane) handleMessage(ctx context.Context, c *Conn, data []byte) {
	if _, ok := p.conns[c.ID]; !ok {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		p.logger.Warn("invalid worker message", "conn_id", c.ID, "error", err)
		p.reply(c, protocol.NewError(protocol.ErrTextInvalidFormat))
		return
	}

	w, registered := p.registry.ByConn(c.ID)
	if registered {
		// Any frame from a registered worker proves it is alive.
		p.registry.Heartbeat(c.ID)
	}

	switch msg.Type {
	case protocol.TypeAuth:
		p.handleAuth(c, msg, w)
	case protocol.TypePong:
		// Heartbeat already refreshed above.
	case protocol.TypeResponse:
		if !registered {
			p.reply(c, protocol.NewError(protocol.ErrTextNotAuthorized))
			return
		}
		p.handleResponse(ctx, w, msg)
	default:
		if !registered {
			p.reply(c, protocol.NewError(protocol.ErrTextNotAuthorized))
			return
		}
		p.logger.Warn("unknown message type", "worker_id", w.ID, "type", msg.Type)
		p.reply(c, protocol.NewError(protocol.ErrTextUnknownType))
	}
}

func (p *Plane) handleAuth(c *Conn, msg protocol.Message, existing *worker.Worker) {
	if existing != nil {
		p.logger.Debug("worker re-authenticated", "worker_id", existing.ID)
		p.reply(c, protocol.NewAuthSuccess(existing.ID, p.cfg.HeartbeatInterval))
		return
	}

	w := p.registry.Register(c.ID, worker.Metadata{
		Address:   c.RemoteAddr,
		UserAgent: msg.UserAgent,
		Browser:   msg.Browser,
		Platform:  msg.Platform,
	})
	p.logger.Info("=== WORKER CONNECTED ===",
		"worker_id", w.ID,
		"address", w.Metadata.Address,
		"browser", w.Metadata.Browser,
		"platform", w.Metadata.Platform,
		"total_workers", p.registry.Len(),
	)

	p.reply(c, protocol.NewAuthSuccess(w.ID, p.cfg.HeartbeatInterval))
	p.dispatch()
}

func (p *Plane) handleResponse(ctx context.Context, w *worker.Worker, msg protocol.Message) {
	if !w.Holds(msg.RequestID) {
		held, _ := w.Job()
		p.logger.Warn("discarding response for a job the worker does not hold",
			"worker_id", w.ID,
			"request_id", msg.RequestID,
			"assigned", held)
		return
	}

	if err := p.registry.MarkIdle(w.ID); err != nil {
		p.logger.Error("failed to release worker", "worker_id", w.ID, "error", err)
	}

	job, ok := p.queue.Get(msg.RequestID)
	if !ok {
		p.logger.Warn("response for job no longer queued", "worker_id", w.ID, "request_id", msg.RequestID)
		p.dispatch()
		return
	}

	if msg.Error != "" {
		// Worker failure: give the job to someone else until it completes or expires.
		if err := p.queue.Unassign(job.ID()); err != nil {
			p.logger.Error("failed to requeue job", "request_id", job.ID(), "error", err)
		}
		p.metrics.JobOutcome(metrics.OutcomeWorkerError)
		p.metrics.JobOutcome(metrics.OutcomeRequeued)
		p.logger.Warn("worker reported an error, requeueing job",
			"worker_id", w.ID,
			"request_id", job.ID(),
			"error", msg.Error)
		p.dispatch()
		return
	}

	p.queue.Remove(job.ID())
	result := protocol.ResultFromResponse(msg, w.ID)
	p.publish(ctx, result)
	p.metrics.JobOutcome(metrics.OutcomeCompleted)
	p.record(job, result, ledger.KindCompleted)
	p.logger.Debug("job completed",
		"request_id", job.ID(),
		"worker_id", w.ID,
		"status", result.Status,
		"elapsed", job.Age(p.now()))

	p.dispatch()
}

func (p *Plane) handleClosed(c *Conn) {
	delete(p.conns, c.ID)
	c.Close()

	w, ok := p.registry.Unregister(c.ID)
	if !ok {
		return
	}
	p.logger.Info("=== WORKER DISCONNECTED ===",
		"worker_id", w.ID,
		"address", w.Metadata.Address,
		"total_workers", p.registry.Len(),
	)
	p.requeueHeldJob(w)
	p.dispatch()
}

func (p *Plane) handleJob(ctx context.Context, pj protocol.Job) {
	// A publisher retry can leave a second stream entry for a job this plane
	// already retired.
	if p.finished.Check(pj.RequestID) {
		p.logger.Warn("ignoring job that already finished", "request_id", pj.RequestID)
		return
	}

	job, err := p.queue.Enqueue(pj)
	switch {
	case errors.Is(err, jobqueue.ErrQueueFull):
		p.logger.Warn("job queue full, rejecting request",
			"request_id", pj.RequestID,
			"max_pending", p.queue.Capacity())
		result := protocol.CapacityResult(pj.RequestID)
		p.publish(ctx, result)
		p.metrics.JobOutcome(metrics.OutcomeRejected)
		p.record(&jobqueue.Job{Job: pj, CreatedAt: p.now()}, result, ledger.KindRejected)
		return
	case errors.Is(err, jobqueue.ErrDuplicateJob):
		p.logger.Warn("ignoring duplicate job", "request_id", pj.RequestID)
		return
	case err != nil:
		p.logger.Error("failed to enqueue job", "request_id", pj.RequestID, "error", err)
		return
	}

	p.logger.Debug("job queued", "request_id", job.ID(), "method", job.Method, "url", job.URL)
	p.dispatch()
}

// dispatch pairs the oldest unassigned jobs with idle workers until one side
// runs out.
func (p *Plane) dispatch() {
	defer p.observe()

	for {
		job, ok := p.queue.NextUnassigned()
		if !ok {
			return
		}
		w, ok := p.registry.SelectIdle()
		if !ok {
			return
		}

		if err := p.queue.Assign(job.ID(), w.ID); err != nil {
			p.logger.Error("failed to assign job", "request_id", job.ID(), "error", err)
			return
		}
		if err := p.registry.MarkBusy(w.ID, job.ID()); err != nil {
			p.logger.Error("failed to mark worker busy", "worker_id", w.ID, "error", err)
			_ = p.queue.Unassign(job.ID())
			return
		}
		p.metrics.JobOutcome(metrics.OutcomeDispatched)

		c, ok := p.conns[w.ConnID]
		if !ok {
			p.logger.Error("worker has no connection, dropping it", "worker_id", w.ID)
			p.registry.Unregister(w.ConnID)
			_ = p.queue.Unassign(job.ID())
			continue
		}
		if err := c.Send(protocol.NewRequest(job.Job)); err != nil {
			// The close event that follows requeues the job.
			p.logger.Warn("failed to send job to worker",
				"worker_id", w.ID,
				"request_id", job.ID(),
				"error", err)
			continue
		}
		p.logger.Debug("job dispatched", "request_id", job.ID(), "worker_id", w.ID)
	}
}

// sweepHeartbeats evicts silent workers, requeues their jobs and pings the rest.
func (p *Plane) sweepHeartbeats() {
	for _, w := range p.registry.SweepStale(p.cfg.HeartbeatTimeout) {
		p.logger.Warn("=== WORKER TIMED OUT ===",
			"worker_id", w.ID,
			"last_heartbeat", w.LastHeartbeat,
			"total_workers", p.registry.Len(),
		)
		if c, ok := p.conns[w.ConnID]; ok {
			delete(p.conns, w.ConnID)
			c.Close()
		}
		p.requeueHeldJob(w)
	}

	for _, w := range p.registry.All() {
		if c, ok := p.conns[w.ConnID]; ok {
			p.reply(c, protocol.NewPing())
		}
	}

	p.dispatch()
}

// expireJobs retires jobs past their TTL with a synthetic timeout result.
func (p *Plane) expireJobs(ctx context.Context) {
	expired := p.queue.Expire(p.cfg.RequestTTL)
	if len(expired) == 0 {
		return
	}

	for _, job := range expired {
		workerID := ""
		if job.Assigned() {
			workerID = job.Assignment.WorkerID
			if w, ok := p.registry.Get(workerID); ok && w.Holds(job.ID()) {
				_ = p.registry.MarkIdle(workerID)
			}
		}

		result := protocol.TimeoutResult(job.ID())
		result.WorkerID = workerID
		p.publish(ctx, result)
		p.metrics.JobOutcome(metrics.OutcomeExpired)
		p.record(job, result, ledger.KindExpired)
		p.logger.Warn("job expired",
			"request_id", job.ID(),
			"url", job.URL,
			"age", job.Age(p.now()),
			"worker_id", workerID)
	}

	p.dispatch()
}

func (p *Plane) requeueHeldJob(w *worker.Worker) {
	job, ok := p.queue.FindByWorker(w.ID)
	if !ok {
		return
	}
	if err := p.queue.Unassign(job.ID()); err != nil {
		p.logger.Error("failed to requeue job", "request_id", job.ID(), "error", err)
		return
	}
	p.metrics.JobOutcome(metrics.OutcomeRequeued)
	p.logger.Info("requeued job from lost worker", "request_id", job.ID(), "worker_id", w.ID)
}

func (p *Plane) reply(c *Conn, msg protocol.Message) {
	if err := c.Send(msg); err != nil {
		p.logger.Debug("failed to send to worker", "conn_id", c.ID, "type", msg.Type, "error", err)
	}
}

// publish hands a result to the publish pump, blocking only while the
// outbox is full.
func (p *Plane) publish(ctx context.Context, result protocol.Result) {
	select {
	case p.outbox <- result:
	case <-ctx.Done():
		p.logger.Warn("dropping result during shutdown", "request_id", result.RequestID)
	}
}

// publishPump moves results from the outbox onto the bus so a slow bus never
// stalls the loop.
func (p *Plane) publishPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-p.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.bus.PublishResult(pubCtx, result); err != nil {
				p.logger.Error("failed to publish result", "request_id", result.RequestID, "error", err)
			}
			cancel()
		}
	}
}

func (p *Plane) record(job *jobqueue.Job, result protocol.Result, kind string) {
	p.finished.Mark(job.ID())
	if p.ledger == nil {
		return
	}
	p.ledger.Record(ledger.Outcome{
		RequestID:  job.ID(),
		Method:     job.Method,
		URL:        job.URL,
		WorkerID:   result.WorkerID,
		Status:     result.Status,
		Kind:       kind,
		Error:      result.Error,
		Queued:     job.Age(p.now()),
		FinishedAt: p.now(),
	})
}

func (p *Plane) observe() {
	ws := p.registry.Stats()
	qs := p.queue.Stats()
	p.metrics.ObserveWorkers(p.cfg.InstanceID, ws.Idle, ws.Busy)
	p.metrics.ObserveQueue(p.cfg.InstanceID, qs.Unassigned, qs.Assigned)
}

func (p *Plane) shutdown() {
	for id, c := range p.conns {
		c.Close()
		delete(p.conns, id)
	}
	p.logger.Info("control plane stopped",
		"queued_jobs", p.queue.Len(),
		"workers", p.registry.Len())
}
