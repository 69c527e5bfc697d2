// ABOUTME: In-process bus driver for running every role in one binary
// ABOUTME: Shared job channel for competing consumers plus a result broadcaster

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/broxy/internal/protocol"
)

const (
	// jobBufferSize bounds jobs published but not yet taken by a plane.
	jobBufferSize = 1024

	// subscriberBufferSize is the channel buffer for each result subscriber.
	subscriberBufferSize = 256
)

// Memory is a Bus that lives inside one process.
type Memory struct {
	jobs chan protocol.Job

	mu          sync.RWMutex
	subscribers map[string]chan protocol.Result
	closed      bool
	done        chan struct{}

	logger *slog.Logger
}

// NewMemory creates an in-process bus. Pass nil logger for default.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		jobs:        make(chan protocol.Job, jobBufferSize),
		subscribers: make(map[string]chan protocol.Result),
		done:        make(chan struct{}),
		logger:      logger.With("component", "bus", "driver", DriverMemory),
	}
}

// PublishJob queues a job for the next free consumer. Blocks while the job
// buffer is full.
func (m *Memory) PublishJob(ctx context.Context, job protocol.Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.jobs <- job:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeJobs competes with every other consumer for published jobs.
func (m *Memory) ConsumeJobs(ctx context.Context, consumer string) (<-chan protocol.Job, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	out := make(chan protocol.Job)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-m.jobs:
				select {
				case out <- job:
				case <-ctx.Done():
					m.logger.Warn("consumer stopped holding a job",
						"consumer", consumer,
						"request_id", job.RequestID)
					return
				case <-m.done:
					return
				}
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()

	m.logger.Debug("job consumer joined", "consumer", consumer)
	return out, nil
}

// PublishResult sends a result to every subscriber. Non-blocking: results
// are dropped for subscribers whose channels are full.
func (m *Memory) PublishResult(_ context.Context, result protocol.Result) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	for id, ch := range m.subscribers {
		select {
		case ch <- result:
		default:
			m.logger.Warn("dropped result for slow subscriber",
				"sub_id", id,
				"request_id", result.RequestID)
		}
	}
	m.mu.RUnlock()
	return nil
}

// SubscribeResults registers a result subscriber that is removed when ctx is
// cancelled.
func (m *Memory) SubscribeResults(ctx context.Context) (<-chan protocol.Result, error) {
	subID := uuid.NewString()
	ch := make(chan protocol.Result, subscriberBufferSize)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subscribers[subID] = ch
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(subID)
		case <-m.done:
		}
	}()

	return ch, nil
}

func (m *Memory) unsubscribe(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.subscribers[subID]
	if !ok {
		return
	}
	delete(m.subscribers, subID)
	close(ch)
}

// Close stops every consumer and closes all subscriber channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)

	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}

	m.logger.Debug("bus closed")
	return nil
}
