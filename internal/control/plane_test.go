// ABOUTME: Event-level tests for the control plane using detached connections
// ABOUTME: Drives handlers directly with a fake clock, no sockets or timers involved

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/broxy/internal/bus"
	"github.com/2389/broxy/internal/ledger"
	"github.com/2389/broxy/internal/metrics"
	"github.com/2389/broxy/internal/protocol"
	"github.com/2389/broxy/internal/worker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingLedger struct {
	outcomes []ledger.Outcome
}

func (r *recordingLedger) Record(o ledger.Outcome) {
	r.outcomes = append(r.outcomes, o)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	plane   *Plane
	clock   *fakeClock
	ledger  *recordingLedger
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, maxPending int) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &recordingLedger{}
	m := metrics.New()
	b := bus.NewMemory(nil)
	t.Cleanup(func() { _ = b.Close() })

	p := New(Config{
		InstanceID:        "test-0",
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MaxPending:        maxPending,
		RequestTTL:        60 * time.Second,
		SweepInterval:     time.Second,
		Now:               clock.Now,
	}, b, m, rec, nil)

	return &harness{t: t, ctx: t.Context(), plane: p, clock: clock, ledger: rec, metrics: m}
}

func (h *harness) connect() *Conn {
	c := newConn(nil, "10.0.0.1", h.plane.logger)
	h.plane.handleEvent(h.ctx, connOpened{conn: c})
	return c
}

func (h *harness) send(c *Conn, msg protocol.Message) {
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.plane.handleEvent(h.ctx, connMessage{conn: c, data: data})
}

func (h *harness) sendRaw(c *Conn, data string) {
	h.plane.handleEvent(h.ctx, connMessage{conn: c, data: []byte(data)})
}

func (h *harness) close(c *Conn) {
	h.plane.handleEvent(h.ctx, connClosed{conn: c})
}

// register connects a worker and completes the handshake.
func (h *harness) register() (*Conn, string) {
	h.t.Helper()
	c := h.connect()
	h.send(c, protocol.Message{Type: protocol.TypeAuth, UserAgent: "Mozilla/5.0", Browser: "chrome", Platform: "linux"})
	ack := recv(h.t, c)
	require.Equal(h.t, protocol.TypeAuthSuccess, ack.Type)
	require.NotEmpty(h.t, ack.BotID)
	return c, ack.BotID
}

func (h *harness) submit(id string) {
	h.plane.handleJob(h.ctx, protocol.Job{
		RequestID: id,
		Method:    "GET",
		URL:       "http://example.com/" + id,
		Headers:   map[string]string{"Accept": "*/*"},
	})
}

func (h *harness) respond(c *Conn, id string, status int) {
	h.send(c, protocol.Message{
		Type:      protocol.TypeResponse,
		RequestID: id,
		Status:    status,
		Headers:   map[string]string{"Content-Type": "text/html"},
		Body:      "<html>" + id + "</html>",
	})
}

func (h *harness) result() protocol.Result {
	h.t.Helper()
	select {
	case r := <-h.plane.outbox:
		return r
	default:
		h.t.Fatal("expected a published result")
		return protocol.Result{}
	}
}

func (h *harness) noResult() {
	h.t.Helper()
	select {
	case r := <-h.plane.outbox:
		h.t.Fatalf("unexpected result %+v", r)
	default:
	}
}

func (h *harness) snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	h.plane.handleEvent(h.ctx, statsQuery{reply: reply})
	return <-reply
}

func recv(t *testing.T, c *Conn) protocol.Message {
	t.Helper()
	select {
	case data := <-c.send:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("expected a frame for the worker")
		return protocol.Message{}
	}
}

func noFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

func isClosed(c *Conn) bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestAuth_RepliesWithIDAndHeartbeat(t *testing.T) {
	h := newHarness(t, 10)
	c := h.connect()
	h.send(c, protocol.Message{Type: protocol.TypeAuth, UserAgent: "UA", Browser: "firefox", Platform: "mac"})

	ack := recv(t, c)
	assert.Equal(t, protocol.TypeAuthSuccess, ack.Type)
	assert.Equal(t, int64(25000), ack.HeartbeatInterval)

	w, ok := h.plane.registry.Get(ack.BotID)
	require.True(t, ok)
	assert.Equal(t, worker.StatusIdle, w.Status)
	assert.Equal(t, "10.0.0.1", w.Metadata.Address)
	assert.Equal(t, "firefox", w.Metadata.Browser)
}

func TestAuth_RepeatKeepsWorkerID(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()

	h.send(c, protocol.Message{Type: protocol.TypeAuth})
	ack := recv(t, c)
	assert.Equal(t, id, ack.BotID)
	assert.Equal(t, 1, h.plane.registry.Len())
}

func TestHandshakeGate(t *testing.T) {
	h := newHarness(t, 10)
	c := h.connect()

	h.sendRaw(c, "not json")
	assert.Equal(t, protocol.NewError(protocol.ErrTextInvalidFormat), recv(t, c))

	h.respond(c, "job-1", 200)
	assert.Equal(t, protocol.NewError(protocol.ErrTextNotAuthorized), recv(t, c))

	h.send(c, protocol.Message{Type: protocol.TypePong})
	noFrame(t, c)

	h.send(c, protocol.Message{Type: protocol.TypeAuth})
	recv(t, c)

	h.send(c, protocol.Message{Type: "bogus"})
	assert.Equal(t, protocol.NewError(protocol.ErrTextUnknownType), recv(t, c))
}

func TestJobWaitsForWorkerThenDispatches(t *testing.T) {
	h := newHarness(t, 10)

	h.submit("job-1")
	assert.Equal(t, 1, h.plane.queue.Stats().Unassigned)

	c, id := h.register()
	req := recv(t, c)
	assert.Equal(t, protocol.TypeRequest, req.Type)
	assert.Equal(t, "job-1", req.RequestID)
	assert.Equal(t, "http://example.com/job-1", req.URL)

	w, _ := h.plane.registry.Get(id)
	assert.Equal(t, worker.StatusBusy, w.Status)
	assert.True(t, w.Holds("job-1"))

	job, ok := h.plane.queue.Get("job-1")
	require.True(t, ok)
	require.NotNil(t, job.Assignment)
	assert.Equal(t, id, job.Assignment.WorkerID)
}

func TestCompletedResponsePublishesResult(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()
	h.submit("job-1")
	recv(t, c)

	h.clock.Advance(2 * time.Second)
	h.respond(c, "job-1", 201)

	res := h.result()
	assert.Equal(t, "job-1", res.RequestID)
	assert.Equal(t, 201, res.Status)
	assert.Equal(t, "text/html", res.Headers["Content-Type"])
	assert.Equal(t, "<html>job-1</html>", res.Body)
	assert.Equal(t, id, res.WorkerID)
	assert.False(t, res.Failed())

	assert.Equal(t, 0, h.plane.queue.Len())
	w, _ := h.plane.registry.Get(id)
	assert.Equal(t, worker.StatusIdle, w.Status)

	require.Len(t, h.ledger.outcomes, 1)
	assert.Equal(t, ledger.KindCompleted, h.ledger.outcomes[0].Kind)
	assert.Equal(t, 2*time.Second, h.ledger.outcomes[0].Queued)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Jobs.WithLabelValues(metrics.OutcomeCompleted)))
}

func TestFIFOOverUnassignedJobs(t *testing.T) {
	h := newHarness(t, 10)
	h.submit("first")
	h.submit("second")
	h.submit("third")

	c, _ := h.register()
	assert.Equal(t, "first", recv(t, c).RequestID)

	h.respond(c, "first", 200)
	h.result()
	assert.Equal(t, "second", recv(t, c).RequestID)

	h.respond(c, "second", 200)
	h.result()
	assert.Equal(t, "third", recv(t, c).RequestID)
}

func TestQueueCapacityRejectsThirdJob(t *testing.T) {
	h := newHarness(t, 2)

	h.submit("job-1")
	h.submit("job-2")
	h.noResult()

	h.submit("job-3")
	res := h.result()
	assert.Equal(t, "job-3", res.RequestID)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, protocol.ErrCodeCapacity, res.Error)

	assert.Equal(t, 2, h.plane.queue.Len())
	_, ok := h.plane.queue.Get("job-1")
	assert.True(t, ok)
	_, ok = h.plane.queue.Get("job-2")
	assert.True(t, ok)

	require.Len(t, h.ledger.outcomes, 1)
	assert.Equal(t, ledger.KindRejected, h.ledger.outcomes[0].Kind)
}

func TestDuplicateJobIgnored(t *testing.T) {
	h := newHarness(t, 10)
	h.submit("job-1")
	h.submit("job-1")
	h.noResult()
	assert.Equal(t, 1, h.plane.queue.Len())
}

func TestRepublishedFinishedJobIgnored(t *testing.T) {
	h := newHarness(t, 10)
	c, _ := h.register()
	h.submit("job-1")
	recv(t, c)
	h.respond(c, "job-1", 200)
	h.result()

	h.submit("job-1")
	noFrame(t, c)
	h.noResult()
	assert.Equal(t, 0, h.plane.queue.Len())
	assert.Equal(t, 1, h.plane.finished.Len())
}

func TestBusyDisconnectRequeuesJob(t *testing.T) {
	h := newHarness(t, 10)
	c1, _ := h.register()
	h.submit("job-1")
	recv(t, c1)

	h.close(c1)
	assert.True(t, isClosed(c1))
	assert.Equal(t, 0, h.plane.registry.Len())

	job, ok := h.plane.queue.Get("job-1")
	require.True(t, ok, "job survives its worker")
	assert.Nil(t, job.Assignment)
	h.noResult()

	c2, id2 := h.register()
	req := recv(t, c2)
	assert.Equal(t, "job-1", req.RequestID)

	job, _ = h.plane.queue.Get("job-1")
	assert.Equal(t, id2, job.Assignment.WorkerID)
}

func TestFullSendBufferClosesWorkerAndRequeues(t *testing.T) {
	h := newHarness(t, 10)
	c1, id1 := h.register()
	for range sendBufferSize {
		require.NoError(t, c1.Send(protocol.NewPing()))
	}

	h.submit("job-1")
	assert.True(t, isClosed(c1), "a worker that cannot take the request is dropped")
	assert.ErrorIs(t, c1.Send(protocol.NewPing()), ErrConnClosed)

	// The job stays with the lost worker until its close event arrives.
	job, ok := h.plane.queue.Get("job-1")
	require.True(t, ok)
	require.NotNil(t, job.Assignment)
	assert.Equal(t, id1, job.Assignment.WorkerID)

	h.close(c1)
	job, _ = h.plane.queue.Get("job-1")
	assert.Nil(t, job.Assignment)
	h.noResult()

	c2, id2 := h.register()
	assert.Equal(t, "job-1", recv(t, c2).RequestID)
	job, _ = h.plane.queue.Get("job-1")
	assert.Equal(t, id2, job.Assignment.WorkerID)
}

func TestBusyDisconnectRedispatchesToIdleWorker(t *testing.T) {
	h := newHarness(t, 10)
	c1, _ := h.register()
	c2, _ := h.register()

	h.submit("job-1")
	first, other := c1, c2
	select {
	case data := <-c1.send:
		msg, _ := protocol.Decode(data)
		require.Equal(t, "job-1", msg.RequestID)
	default:
		first, other = c2, c1
		recv(t, c2)
	}

	h.close(first)
	assert.Equal(t, "job-1", recv(t, other).RequestID, "requeued job goes straight to the idle worker")
}

func TestWorkerErrorRequeuesJob(t *testing.T) {
	h := newHarness(t, 10)
	c1, id1 := h.register()
	c2, id2 := h.register()

	h.submit("job-1")
	assert.Equal(t, "job-1", recv(t, c1).RequestID)

	h.send(c1, protocol.Message{Type: protocol.TypeResponse, RequestID: "job-1", Error: "net::ERR_NAME_NOT_RESOLVED"})
	h.noResult()

	assert.Equal(t, "job-1", recv(t, c2).RequestID)
	w1, _ := h.plane.registry.Get(id1)
	assert.Equal(t, worker.StatusIdle, w1.Status)
	job, _ := h.plane.queue.Get("job-1")
	assert.Equal(t, id2, job.Assignment.WorkerID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Jobs.WithLabelValues(metrics.OutcomeWorkerError)))
}

func TestMismatchedResponseIsDiscarded(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()
	h.submit("job-1")
	recv(t, c)

	h.respond(c, "job-other", 200)
	h.noResult()

	w, _ := h.plane.registry.Get(id)
	assert.Equal(t, worker.StatusBusy, w.Status)
	assert.True(t, w.Holds("job-1"))
}

func TestExpiryPublishesOneTimeoutPerJob(t *testing.T) {
	h := newHarness(t, 10)
	h.submit("job-1")

	h.clock.Advance(30 * time.Second)
	h.plane.expireJobs(h.ctx)
	h.noResult()

	h.clock.Advance(31 * time.Second)
	h.plane.expireJobs(h.ctx)

	res := h.result()
	assert.Equal(t, "job-1", res.RequestID)
	assert.Equal(t, http.StatusGatewayTimeout, res.Status)
	assert.Equal(t, protocol.ErrCodeTimeout, res.Error)
	assert.Equal(t, 0, h.plane.queue.Len())

	h.plane.expireJobs(h.ctx)
	h.noResult()

	require.Len(t, h.ledger.outcomes, 1)
	assert.Equal(t, ledger.KindExpired, h.ledger.outcomes[0].Kind)
}

func TestExpiryOfAssignedJobFreesWorker(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()
	h.submit("job-1")
	recv(t, c)

	h.clock.Advance(61 * time.Second)
	h.plane.expireJobs(h.ctx)

	res := h.result()
	assert.Equal(t, http.StatusGatewayTimeout, res.Status)
	assert.Equal(t, id, res.WorkerID)

	w, _ := h.plane.registry.Get(id)
	assert.Equal(t, worker.StatusIdle, w.Status)

	// The late answer is dropped and the worker takes new work.
	h.respond(c, "job-1", 200)
	h.noResult()
	h.submit("job-2")
	assert.Equal(t, "job-2", recv(t, c).RequestID)
}

func TestHeartbeatSweepEvictsSilentWorkers(t *testing.T) {
	h := newHarness(t, 10)
	c1, id1 := h.register()
	h.submit("job-1")
	assert.Equal(t, "job-1", recv(t, c1).RequestID)

	h.clock.Advance(40 * time.Second)
	c2, id2 := h.register()

	h.clock.Advance(30 * time.Second)
	h.plane.sweepHeartbeats()

	assert.True(t, isClosed(c1))
	_, ok := h.plane.registry.Get(id1)
	assert.False(t, ok)

	assert.Equal(t, protocol.TypePing, recv(t, c2).Type)
	req := recv(t, c2)
	assert.Equal(t, "job-1", req.RequestID)
	w2, _ := h.plane.registry.Get(id2)
	assert.Equal(t, worker.StatusBusy, w2.Status)

	// The socket close that follows eviction is harmless.
	h.close(c1)
	assert.Equal(t, 1, h.plane.registry.Len())
}

func TestPongKeepsWorkerAlive(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()

	for range 5 {
		h.clock.Advance(25 * time.Second)
		h.plane.sweepHeartbeats()
		assert.Equal(t, protocol.TypePing, recv(t, c).Type)
		h.send(c, protocol.Message{Type: protocol.TypePong})
	}

	_, ok := h.plane.registry.Get(id)
	assert.True(t, ok)
	assert.False(t, isClosed(c))
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 10)
	c, id := h.register()
	h.register()
	h.submit("job-1")
	h.submit("job-2")
	h.submit("job-3")
	recv(t, c)

	s := h.snapshot()
	assert.Equal(t, "test-0", s.Instance)
	assert.Equal(t, worker.Stats{Total: 2, Idle: 0, Busy: 2}, s.Workers)
	assert.Equal(t, 3, s.Queue.Total)
	assert.Equal(t, 2, s.Queue.Assigned)
	assert.Equal(t, 2, s.Connections)
	require.Len(t, s.WorkerList, 2)
	assert.Equal(t, id, s.WorkerList[0].ID)
	assert.Equal(t, "busy", s.WorkerList[0].Status)
}

func TestPoolInvariantUnderChurn(t *testing.T) {
	h := newHarness(t, 1000)
	var conns []*Conn

	for i := range 200 {
		switch i % 5 {
		case 0, 1:
			c, _ := h.register()
			conns = append(conns, c)
		case 2:
			h.submit(fmt.Sprintf("job-%d", i))
		case 3:
			if len(conns) > 0 {
				h.close(conns[0])
				conns = conns[1:]
			}
		case 4:
			h.clock.Advance(time.Second)
			h.plane.expireJobs(h.ctx)
		}

		s := h.snapshot()
		require.Equal(t, s.Workers.Total, s.Workers.Idle+s.Workers.Busy, "step %d", i)
		require.Equal(t, s.Workers.Busy, s.Queue.Assigned, "step %d", i)
	}
}
