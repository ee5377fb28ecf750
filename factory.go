// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import "sync/atomic"

const (
	// Unbounded is the MaxActiveRPCs value for a method with no limit on
	// concurrently active calls. A limit of 0 is treated as Unbounded.
	Unbounded = -1

	// DefaultBufferSize is the number of calls kept armed per queue for an
	// unbounded method.
	DefaultBufferSize = 32
)

// InitialCalls reports the number of calls a factory arms on each of
// numQueues queues for a method with the given limit on active calls.
// The per-queue share is rounded down but never below 1, so the total across
// all queues may differ from maxActive.
func InitialCalls(maxActive, numQueues int) int {
	if maxActive == Unbounded || maxActive == 0 {
		return DefaultBufferSize
	}
	return max(1, maxActive/numQueues)
}

// A CallFactory creates calls for one method on one queue. A factory is
// immutable after it is created.
type CallFactory struct {
	method    string
	handler   Handler
	maxActive int
	queue     *Queue
	clusterID string // if non-empty, required as the request token
	offload   bool

	live atomic.Int64 // calls created and not yet released
}

// Method reports the full name of the method served by f.
func (f *CallFactory) Method() string { return f.method }

// MaxActiveRPCs reports the limit on active calls for the method of f, or
// Unbounded.
func (f *CallFactory) MaxActiveRPCs() int { return f.maxActive }

// Queue reports the queue f is bound to.
func (f *CallFactory) Queue() *Queue { return f.queue }

// TokenAuth reports whether calls from f require an authentication token.
func (f *CallFactory) TokenAuth() bool { return f.clusterID != "" }

// Live reports the number of calls created by f that have not yet been
// released.
func (f *CallFactory) Live() int { return int(f.live.Load()) }

// CreateCall creates a new call and arms it to accept a request.
// It must be called only while the server is running, either by the
// server during startup or from the poller of f's queue.
func (f *CallFactory) CreateCall() *ServerCall {
	c := &ServerCall{factory: f, state: Pending}
	c.tag = f.queue.table.add(c)
	f.live.Add(1)
	rootMetrics.callCreated.Add(1)
	c.stream = f.queue.transport().RequestCall(f.method, f.queue.cq, c.tag)
	return c
}
