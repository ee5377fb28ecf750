// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"sync/atomic"

	"github.com/creachadair/cqrpc/cq"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/taskgroup"
)

// A Stream is the transport handle for one call. It is returned by
// [Server.RequestCall] and holds a request once the server matches one to
// it.
type Stream struct {
	q      *cq.Queue
	tag    any
	method string

	// Set when a request is matched to the stream, before its event is posted.
	conn *conn
	req  *wire.Request

	replied atomic.Bool
}

// bind matches the stream to a request from c and posts its acceptance. The
// reply operation is reserved before the acceptance is posted, so the queue
// cannot report shutdown while the reply is owed.
func (s *Stream) bind(c *conn, req *wire.Request) {
	s.conn = c
	s.req = req
	s.q.Begin()
	s.q.Post(s.tag, true)
}

// Method reports the name of the method the stream was armed for.
func (s *Stream) Method() string { return s.method }

// Request returns the request matched to s, or nil if none has been.
func (s *Stream) Request() *wire.Request { return s.req }

// Context returns a context that ends when the client connection closes.
func (s *Stream) Context() context.Context {
	if s.conn == nil {
		return context.Background()
	}
	return s.conn.ctx
}

// Peer reports the remote address of the client, or "" if no request has
// been matched to s.
func (s *Stream) Peer() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.peer
}

// Reply sends rsp to the client as the reply to the stream's request. The
// request ID of rsp is set from the request. Reply does not block; when the
// send completes the server posts (tag, ok) to the stream's queue, where ok
// reports whether the reply was sent.
//
// Reply panics if s has no request or has already replied.
func (s *Stream) Reply(rsp *wire.Response) {
	if s.req == nil {
		panic("transport: reply on a stream with no request")
	} else if s.replied.Swap(true) {
		panic("transport: stream has already replied")
	}
	rsp.RequestID = s.req.RequestID
	taskgroup.Go(func() error {
		err := s.conn.reply(rsp)
		s.q.Post(s.tag, err == nil)
		return nil
	})
}
