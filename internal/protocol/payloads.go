// ABOUTME: Bus payloads for the job.submitted and job.completed topics
// ABOUTME: Only these values cross process boundaries, never a connection

package protocol

import (
	"net/http"
	"time"
)

// Error codes carried by synthetic results. Worker-reported errors carry the
// worker's own text instead.
const (
	ErrCodeTimeout  = "timeout"
	ErrCodeCapacity = "capacity"
)

// Job is one client request travelling from the front-end to a control plane.
type Job struct {
	RequestID   string            `json:"request_id"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Result is the outcome of a job, published back to every front-end.
type Result struct {
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Error     string            `json:"error,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// TimeoutResult is published when a job outlives its TTL in the queue.
func TimeoutResult(requestID string) Result {
	return Result{
		RequestID: requestID,
		Status:    http.StatusGatewayTimeout,
		Headers:   map[string]string{},
		Body:      "Gateway Timeout - Request expired in queue",
		Error:     ErrCodeTimeout,
	}
}

// CapacityResult is published when a control plane's queue is full.
func CapacityResult(requestID string) Result {
	return Result{
		RequestID: requestID,
		Status:    http.StatusServiceUnavailable,
		Headers:   map[string]string{},
		Body:      "Service Unavailable - Request queue is full",
		Error:     ErrCodeCapacity,
	}
}

// ResultFromResponse converts a worker's response frame into a bus result.
// A missing status is reported as 500.
func ResultFromResponse(msg Message, workerID string) Result {
	status := msg.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return Result{
		RequestID: msg.RequestID,
		Status:    status,
		Headers:   headers,
		Body:      msg.Body,
		Error:     msg.Error,
		WorkerID:  workerID,
	}
}
