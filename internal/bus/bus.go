// ABOUTME: Inter-process bus linking dispatch front-ends and control planes
// ABOUTME: Jobs go to exactly one consumer, results fan out to every subscriber

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/broxy/internal/protocol"
)

// Topic names shared by every driver.
const (
	TopicJobSubmitted = "job.submitted"
	TopicJobCompleted = "job.completed"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Bus carries jobs from front-ends to control planes and results back.
type Bus interface {
	// PublishJob submits a job. Exactly one ConsumeJobs caller receives it.
	PublishJob(ctx context.Context, job protocol.Job) error

	// ConsumeJobs joins the competing consumers of job.submitted. The
	// returned channel is closed when ctx is cancelled or the bus closes.
	ConsumeJobs(ctx context.Context, consumer string) (<-chan protocol.Job, error)

	// PublishResult delivers a result to every current subscriber.
	PublishResult(ctx context.Context, result protocol.Result) error

	// SubscribeResults receives every result published after it returns.
	// The channel is closed when ctx is cancelled or the bus closes.
	SubscribeResults(ctx context.Context) (<-chan protocol.Result, error)

	Close() error
}

// Options selects and configures a driver.
type Options struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Group    string
}

// Open builds the bus named by opts.Driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Bus, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(logger), nil
	case DriverRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
			Group:    opts.Group,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", opts.Driver)
	}
}
