// ABOUTME: Redis bus driver for front-ends and control planes in separate processes
// ABOUTME: Jobs use a stream consumer group, results use Pub/Sub

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/broxy/internal/protocol"
)

const (
	// DefaultGroup is the consumer group control planes join.
	DefaultGroup = "control-plane"

	// payloadField holds the JSON job inside each stream entry.
	payloadField = "payload"

	// streamMaxLen caps job.submitted. Entries are deleted once read, so
	// only an unconsumed backlog can grow toward it.
	streamMaxLen = 10000

	readBlock    = 2 * time.Second
	retryBackoff = time.Second
)

// RedisOptions configures the Redis driver.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Group    string
}

// Redis is a Bus backed by a Redis server.
type Redis struct {
	client *redis.Client
	group  string
	closed atomic.Bool
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client: client,
		group:  group,
		logger: logger.With("component", "bus", "driver", DriverRedis),
	}
	r.logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB, "group", group)
	return r, nil
}

// PublishJob appends the job to the job.submitted stream.
func (r *Redis) PublishJob(ctx context.Context, job protocol.Job) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: TopicJobSubmitted,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing job %s: %w", job.RequestID, err)
	}
	return nil
}

// ConsumeJobs reads job.submitted as a member of the consumer group. Each
// entry is acknowledged and deleted before it is handed over, so a job is
// delivered at most once.
func (r *Redis) ConsumeJobs(ctx context.Context, consumer string) (<-chan protocol.Job, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	out := make(chan protocol.Job)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil || r.closed.Load() {
				return
			}

			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: consumer,
				Streams:  []string{TopicJobSubmitted, ">"},
				Count:    1,
				Block:    readBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil || r.closed.Load() {
					return
				}
				r.logger.Warn("reading jobs failed", "consumer", consumer, "error", err)
				select {
				case <-time.After(retryBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, ok := r.take(ctx, msg)
					if !ok {
						continue
					}
					select {
					case out <- job:
					case <-ctx.Done():
						r.logger.Warn("consumer stopped holding a job",
							"consumer", consumer,
							"request_id", job.RequestID)
						return
					}
				}
			}
		}
	}()

	r.logger.Debug("job consumer joined", "consumer", consumer)
	return out, nil
}

// take acknowledges and deletes a stream entry and decodes its job.
func (r *Redis) take(ctx context.Context, msg redis.XMessage) (protocol.Job, bool) {
	if err := r.client.XAck(ctx, TopicJobSubmitted, r.group, msg.ID).Err(); err != nil {
		r.logger.Warn("acknowledging job failed", "entry", msg.ID, "error", err)
	}
	if err := r.client.XDel(ctx, TopicJobSubmitted, msg.ID).Err(); err != nil {
		r.logger.Warn("deleting job entry failed", "entry", msg.ID, "error", err)
	}

	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		r.logger.Warn("job entry has no payload", "entry", msg.ID)
		return protocol.Job{}, false
	}
	var job protocol.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		r.logger.Warn("decoding job failed", "entry", msg.ID, "error", err)
		return protocol.Job{}, false
	}
	return job, true
}

func (r *Redis) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, TopicJobSubmitted, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", r.group, err)
	}
	return nil
}

// PublishResult publishes on the job.completed channel.
func (r *Redis) PublishResult(ctx context.Context, result protocol.Result) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := r.client.Publish(ctx, TopicJobCompleted, data).Err(); err != nil {
		return fmt.Errorf("publishing result %s: %w", result.RequestID, err)
	}
	return nil
}

// SubscribeResults subscribes to job.completed. It returns once the
// subscription is confirmed by the server.
func (r *Redis) SubscribeResults(ctx context.Context) (<-chan protocol.Result, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	sub := r.client.Subscribe(ctx, TopicJobCompleted)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", TopicJobCompleted, err)
	}

	out := make(chan protocol.Result, subscriberBufferSize)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var result protocol.Result
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					r.logger.Warn("decoding result failed", "error", err)
					continue
				}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the client. Pending reads return and their channels close.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}
