// Package bus is the only channel between dispatch front-ends and control
// planes.
//
// Jobs on job.submitted are delivered to exactly one consumer, so running
// several control planes never dispatches the same job twice. Results on
// job.completed fan out to every front-end; each front-end ignores ids it
// does not own.
//
// Two drivers exist: Memory for a single process running every role, and
// Redis (a stream consumer group for jobs, Pub/Sub for results) for roles
// split across processes.
package bus
