// ABOUTME: Bounded, insertion-ordered holding area for jobs awaiting a worker
// ABOUTME: Linked list keeps FIFO order, map gives O(1) lookup by request id

package jobqueue

import (
	"container/list"
	"errors"
	"time"

	"github.com/2389/broxy/internal/protocol"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("job queue full")
	// ErrJobNotFound indicates the job is not in the queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob indicates a job with the same request id is already queued.
	ErrDuplicateJob = errors.New("job already queued")
	// ErrJobAssigned indicates the job already has a worker.
	ErrJobAssigned = errors.New("job already assigned")
)

// Assignment records which worker holds a job and since when.
type Assignment struct {
	WorkerID   string
	AssignedAt time.Time
}

// Job is a queued request. Assignment is nil while the job waits for a worker.
type Job struct {
	protocol.Job
	CreatedAt  time.Time
	Assignment *Assignment
}

// ID returns the job's correlation id.
func (j *Job) ID() string {
	return j.RequestID
}

// Assigned reports whether a worker currently holds the job.
func (j *Job) Assigned() bool {
	return j.Assignment != nil
}

// Age is how long the job has been queued.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// Stats is a point-in-time count of queued jobs.
type Stats struct {
	Total      int `json:"total"`
	Unassigned int `json:"unassigned"`
	Assigned   int `json:"assigned"`
}

// Queue holds jobs in insertion order. It is not safe for concurrent use.
type Queue struct {
	capacity int
	order    *list.List // *Job, oldest at front
	index    map[string]*list.Element
	now      func() time.Time
}

// New creates a queue that holds at most capacity jobs. A nil clock means
// time.Now.
func New(capacity int, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      now,
	}
}

// Enqueue appends a job. The job is discarded with ErrQueueFull when the
// queue is at capacity.
func (q *Queue) Enqueue(pj protocol.Job) (*Job, error) {
	if _, exists := q.index[pj.RequestID]; exists {
		return nil, ErrDuplicateJob
	}
	if q.order.Len() >= q.capacity {
		return nil, ErrQueueFull
	}

	job := &Job{Job: pj, CreatedAt: q.now()}
	q.index[pj.RequestID] = q.order.PushBack(job)
	return job, nil
}

// NextUnassigned returns the oldest job without a worker.
func (q *Queue) NextUnassigned() (*Job, bool) {
	for e := q.order.Front(); e != nil; e = e.Next() {
		if job := e.Value.(*Job); !job.Assigned() {
			return job, true
		}
	}
	return nil, false
}

// Get returns a queued job by id.
func (q *Queue) Get(jobID string) (*Job, bool) {
	e, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	return e.Value.(*Job), true
}

// Assign hands an unassigned job to a worker.
func (q *Queue) Assign(jobID, workerID string) error {
	job, ok := q.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	if job.Assigned() {
		return ErrJobAssigned
	}
	job.Assignment = &Assignment{WorkerID: workerID, AssignedAt: q.now()}
	return nil
}

// Unassign returns a job to the unassigned state, keeping its original
// position so it is redispatched before younger jobs.
func (q *Queue) Unassign(jobID string) error {
	job, ok := q.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	job.Assignment = nil
	return nil
}

// Remove deletes a job and returns it.
func (q *Queue) Remove(jobID string) (*Job, bool) {
	e, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	q.order.Remove(e)
	delete(q.index, jobID)
	return e.Value.(*Job), true
}

// FindByWorker returns the job held by workerID.
func (q *Queue) FindByWorker(workerID string) (*Job, bool) {
	for e := q.order.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		if job.Assigned() && job.Assignment.WorkerID == workerID {
			return job, true
		}
	}
	return nil, false
}

// Expire removes and returns every job older than ttl, assigned or not.
func (q *Queue) Expire(ttl time.Duration) []*Job {
	now := q.now()
	var expired []*Job
	for e := q.order.Front(); e != nil; {
		next := e.Next()
		job := e.Value.(*Job)
		if job.Age(now) > ttl {
			q.order.Remove(e)
			delete(q.index, job.RequestID)
			expired = append(expired, job)
		}
		e = next
	}
	return expired
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return q.order.Len()
}

// Capacity returns the configured maximum.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Stats counts queued jobs by assignment state.
func (q *Queue) Stats() Stats {
	s := Stats{Total: q.order.Len()}
	for e := q.order.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job).Assigned() {
			s.Assigned++
		}
	}
	s.Unassigned = s.Total - s.Assigned
	return s
}
