// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"context"
	"fmt"

	"github.com/creachadair/cqrpc/transport"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/taskgroup"
)

// State is the lifecycle state of a [ServerCall].
type State int

const (
	Pending      State = iota // armed, waiting for a request
	Processing                // the handler is running
	SendingReply              // the reply has been handed to the transport
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Processing:
		return "PROCESSING"
	case SendingReply:
		return "SENDING_REPLY"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A ServerCall is a single in-flight call. Calls are created by a
// [CallFactory] and driven through their states by the poller of the
// factory's queue.
type ServerCall struct {
	factory *CallFactory
	tag     callTag
	state   State
	stream  *transport.Stream

	// Reply callbacks, set by the handler via SetReplyCallbacks.
	sent, failed func()
}

// State reports the current state of c.
func (c *ServerCall) State() State { return c.state }

// Method reports the full method name of c.
func (c *ServerCall) Method() string { return c.factory.method }

// Request returns the request accepted by c, or nil if c is still pending.
func (c *ServerCall) Request() *Request { return c.stream.Request() }

// Peer reports the remote address of the client that sent the request.
func (c *ServerCall) Peer() string { return c.stream.Peer() }

// HandleRequest processes the request accepted by c. It runs the handler on
// the calling goroutine, or in a new goroutine if the method is offloaded,
// and arms the reply. For an unbounded method a replacement call is created
// first so the queue stays saturated.
func (c *ServerCall) HandleRequest() {
	c.state = Processing
	rootMetrics.callIn.Add(1)
	rootMetrics.callActive.Add(1)

	f := c.factory
	if f.maxActive == Unbounded {
		f.CreateCall()
	}

	req := c.stream.Request()
	if f.clusterID != "" && req.Token != f.clusterID {
		rootMetrics.callUnauth.Add(1)
		c.reply(&wire.Response{Code: wire.CodeUnauthenticated})
		return
	}
	if f.offload {
		taskgroup.Go(func() error { c.run(req); return nil })
		return
	}
	c.run(req)
}

func (c *ServerCall) run(req *Request) {
	ctx := context.WithValue(c.stream.Context(), callContextKey{}, c)
	data, err := transport.Invoke(ctx, c.factory.handler, req)
	c.reply(transport.NewResponse(ctx, req.RequestID, data, err))
}

// reply arms the reply for c. Once the stream has the reply, the next event
// for c reports its outcome, so c must not be touched again except by the
// poller.
func (c *ServerCall) reply(rsp *wire.Response) {
	c.state = SendingReply
	c.stream.Reply(rsp)
}

// OnReplySent is called by the poller when the reply for c was sent.
func (c *ServerCall) OnReplySent() {
	rootMetrics.callReplied.Add(1)
	if c.sent != nil {
		c.sent()
	}
}

// OnReplyFailed is called by the poller when the reply for c could not be
// sent, typically because the client went away.
func (c *ServerCall) OnReplyFailed() {
	rootMetrics.callFailed.Add(1)
	if c.failed != nil {
		c.failed()
	}
}

type callContextKey struct{}

// ContextCall returns the ServerCall associated with ctx, or nil if none is
// defined. The context passed to a method handler has this value.
func ContextCall(ctx context.Context) *ServerCall {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*ServerCall)
	}
	return nil
}

// SetReplyCallbacks registers functions to be called by the poller when the
// reply for the call in ctx is sent or fails. Either may be nil. It must be
// called by the handler before it returns, and reports false if ctx has no
// associated call.
func SetReplyCallbacks(ctx context.Context, sent, failed func()) bool {
	c := ContextCall(ctx)
	if c == nil {
		return false
	}
	c.sent, c.failed = sent, failed
	return true
}
