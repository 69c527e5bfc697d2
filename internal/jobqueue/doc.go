// Package jobqueue holds requests awaiting a worker inside one control plane.
//
// The queue is bounded (Enqueue fails with ErrQueueFull at capacity, the only
// backpressure in the system) and TTL-bounded (Expire drops jobs by age no
// matter whether a worker holds them). Jobs keep their insertion position when
// unassigned, so NextUnassigned is FIFO over the original arrival order.
package jobqueue
