// Package worker tracks the browser agents connected to one control plane.
//
// A Worker moves Idle -> Busy -> Idle as jobs are dispatched and completed,
// and ends in Gone when its connection closes or a liveness sweep evicts it.
// The Registry is owned by a single control-plane loop and has no locks.
package worker
