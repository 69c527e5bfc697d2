// Package control is the control plane: it accepts worker WebSocket
// connections, matches queued jobs with idle workers and sends results back
// over the bus.
//
// Each Plane is a single goroutine that owns a worker.Registry, a
// jobqueue.Queue and its connection table. Connection pumps, the bus
// subscription and the sweep timers only post events to it, so none of that
// state needs a lock. A Group runs several planes behind one listener; they
// share nothing except the bus, whose competing-consumer job delivery keeps
// any job on exactly one plane.
package control
