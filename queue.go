// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/creachadair/cqrpc/cq"
	"github.com/creachadair/cqrpc/transport"
)

// pollTimeout bounds how long a poller waits for an event, so that it
// rechecks its queue periodically.
const pollTimeout = 250 * time.Millisecond

// A Queue is one completion queue of a server, together with the calls and
// factories bound to it. Each queue is served by a single poller.
type Queue struct {
	index     int
	cq        *cq.Queue
	srv       *Server
	table     callTable
	factories []*CallFactory
}

// Index reports the position of q among the queues of its server.
func (q *Queue) Index() int { return q.index }

// Name reports the name of the poller for q, "server.poll<i>" where i is the
// index of q. Poller goroutines carry it as the "poller" profiler label.
func (q *Queue) Name() string { return fmt.Sprintf("server.poll%d", q.index) }

// NewCallFactory constructs a call factory for the named method bound to q.
// If clusterID is not empty, calls from the factory reject requests whose
// token does not match it.
func (q *Queue) NewCallFactory(method string, m MethodDesc, clusterID string) *CallFactory {
	if m.Handler == nil {
		panic(fmt.Sprintf("cqrpc: nil handler for method %q", method))
	}
	limit := m.MaxActiveRPCs
	if limit <= 0 {
		limit = Unbounded
	}
	return &CallFactory{
		method:    method,
		handler:   m.Handler,
		maxActive: limit,
		queue:     q,
		clusterID: clusterID,
		offload:   m.Offload,
	}
}

func (q *Queue) transport() *transport.Server { return q.srv.tp }

// poll runs the poller for q until the queue reports shutdown.
func (q *Queue) poll() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := q.srv.log.WithValues("poller", q.Name())
	log.V(1).Info("poller started")
	pprof.Do(context.Background(), pprof.Labels("poller", q.Name()), func(context.Context) {
		for {
			ev, st := q.cq.Next(pollTimeout)
			switch st {
			case cq.Timeout:
				continue
			case cq.Shutdown:
				return
			}
			q.handleEvent(ev)
		}
	})
	log.V(1).Info("poller stopped")
	return nil
}

// handleEvent advances the call identified by ev.
func (q *Queue) handleEvent(ev cq.Event) {
	tag, ok := ev.Tag.(callTag)
	if !ok {
		panic(fmt.Sprintf("cqrpc: unexpected event tag %T", ev.Tag))
	}
	c := q.table.lookup(tag)
	switch c.state {
	case Pending:
		if ev.OK {
			c.HandleRequest()
			return
		}
		// The transport is shutting down; no replacement.
		rootMetrics.callDropped.Add(1)
		q.release(c)

	case SendingReply:
		if ev.OK {
			c.OnReplySent()
		} else {
			c.OnReplyFailed()
		}
		rootMetrics.callActive.Add(-1)
		if f := c.factory; f.maxActive != Unbounded {
			f.CreateCall()
		}
		q.release(c)

	default:
		panic(fmt.Sprintf("cqrpc: event %v for %v in state %v", ev.OK, tag, c.state))
	}
}

func (q *Queue) release(c *ServerCall) {
	q.table.release(c.tag)
	c.factory.live.Add(-1)
}
