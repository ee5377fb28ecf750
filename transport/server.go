// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package transport implements the connection layer of a cqrpc server.
//
// A [Server] accepts connections, reads request packets, and matches each
// request to an acceptor armed by [Server.RequestCall]. Every armed acceptor
// completes on its completion queue with exactly one event: ok=true when a
// request is matched to it, or ok=false if the server shuts down first. A
// matched [Stream] reserves one further event for its reply, posted when
// [Stream.Reply] finishes sending.
//
// Requests that arrive when no acceptor is armed wait in a bounded
// per-method backlog. Requests beyond the backlog limit are rejected with
// RESOURCE_EXHAUSTED.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/cqrpc/cq"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

// DefaultMaxBacklog is the default per-method limit on requests waiting for
// an acceptor.
const DefaultMaxBacklog = 256

// handshakeTimeout bounds the duration of a TLS handshake.
const handshakeTimeout = 10 * time.Second

// Options are the settings for a [Server].
type Options struct {
	// MaxMessageSize bounds the size of a packet payload in either direction.
	// If zero, wire.DefaultMaxPayload is used.
	MaxMessageSize int

	// KeepaliveTime is the period of inactivity after which the server probes
	// a connection with a ping. If zero, keepalive probes are disabled.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long the server waits for any packet after a
	// keepalive probe before closing the connection.
	KeepaliveTimeout time.Duration

	// MinPingInterval is the minimum interval the server permits between
	// client pings. If zero, client pings are not limited.
	MinPingInterval time.Duration

	// WriteBufferSize is the size of the per-connection write buffer and the
	// socket send buffer. If zero, system defaults are used.
	WriteBufferSize int

	// Compression enables zstd compression of large outbound payloads.
	Compression bool

	// MaxBacklog bounds the number of requests per method waiting for an
	// acceptor. If zero, DefaultMaxBacklog is used.
	MaxBacklog int

	// TLS, if non-nil, is used to secure accepted connections.
	TLS *tls.Config

	// Logger receives log output. If unset, logs are discarded.
	Logger logr.Logger
}

func (o Options) maxBacklog() int {
	if o.MaxBacklog <= 0 {
		return DefaultMaxBacklog
	}
	return o.MaxBacklog
}

// A Server is the transport for a cqrpc server. Construct one with [New].
type Server struct {
	opts  Options
	log   logr.Logger
	codec wire.Codec
	tasks *taskgroup.Group // accept loop and connections

	μ       sync.Mutex
	lst     net.Listener
	port    int
	methods map[string]*method
	raw     map[string]Handler
	conns   map[*conn]struct{}
	started bool
	stopped bool
}

// method tracks the armed acceptors and waiting requests for one method.
// At most one of these queues is non-empty at a time.
type method struct {
	armed   *queue.Queue[*Stream]
	backlog *queue.Queue[inbound]
}

// inbound is a request waiting for an acceptor.
type inbound struct {
	conn *conn
	req  *wire.Request
}

// New constructs a new unbound transport server with the given options.
func New(opts Options) *Server {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Server{
		opts: opts,
		log:  log,
		codec: wire.Codec{
			MaxPayload: opts.MaxMessageSize,
			Compress:   opts.Compression,
		},
		tasks:   taskgroup.New(nil),
		methods: make(map[string]*method),
		raw:     make(map[string]Handler),
		conns:   make(map[*conn]struct{}),
	}
}

// RegisterMethod registers a method whose requests are delivered to
// acceptors armed by RequestCall. It panics if name is already registered.
func (s *Server) RegisterMethod(name string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.checkNewLocked(name)
	s.methods[name] = &method{
		armed:   queue.New[*Stream](),
		backlog: queue.New[inbound](),
	}
}

// Handle registers a handler that is invoked directly by the transport for
// requests to the named method, without involving a completion queue.
// It panics if name is already registered.
func (s *Server) Handle(name string, h Handler) {
	if h == nil {
		panic("transport: nil handler")
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.checkNewLocked(name)
	s.raw[name] = h
}

func (s *Server) checkNewLocked(name string) {
	if len(name) > wire.MaxMethodLen {
		panic(fmt.Sprintf("method name too long (%d > %d bytes)", len(name), wire.MaxMethodLen))
	}
	_, isRaw := s.raw[name]
	_, isMethod := s.methods[name]
	if isRaw || isMethod {
		panic(fmt.Sprintf("method %q is already registered", name))
	}
}

// Listen binds the server to the given network address. It reports the
// resolved port number for TCP listeners, or 0 for other networks.
func (s *Server) Listen(network, addr string) (int, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lst != nil {
		return 0, errors.New("transport is already listening")
	} else if s.stopped {
		return 0, errors.New("transport is shut down")
	}
	lc := net.ListenConfig{Control: socketControl(s.opts.WriteBufferSize)}
	lst, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return 0, err
	}
	s.lst = lst
	if ta, ok := lst.Addr().(*net.TCPAddr); ok {
		s.port = ta.Port
	}
	return s.port, nil
}

// Port reports the port the server is bound to, or 0 if it is not bound to
// a TCP address.
func (s *Server) Port() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.port
}

// Addr reports the address of the listener, or nil if the server is not
// listening.
func (s *Server) Addr() net.Addr {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lst == nil {
		return nil
	}
	return s.lst.Addr()
}

// Metrics returns the metrics map for the transport. It is safe for the
// caller to add additional metrics to the map while the server is active.
func (s *Server) Metrics() *expvar.Map { return Metrics() }

// Start starts accepting connections. It does not block. Start panics if the
// server is not listening or has already been started.
func (s *Server) Start() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lst == nil {
		panic("transport is not listening")
	} else if s.started {
		panic("transport is already started")
	}
	s.started = true
	lst := s.lst
	s.tasks.Go(func() error { return s.acceptLoop(lst) })
}

func (s *Server) acceptLoop(lst net.Listener) error {
	for {
		nc, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error(err, "accept failed")
			return err
		}
		rootMetrics.connAccepted.Add(1)

		c := s.newConn(nc)
		if c == nil {
			nc.Close() // shutting down
			continue
		}
		s.log.V(1).Info("accepted connection", "peer", c.peer)
		s.tasks.Go(c.serve)
	}
}

// RequestCall arms an acceptor for the named method. When a request for the
// method is matched to the acceptor, the server posts (tag, true) to q and
// the returned stream holds the request. If the server shuts down before a
// request arrives, the server posts (tag, false) instead.
//
// RequestCall panics if the method is not registered with RegisterMethod.
func (s *Server) RequestCall(name string, q *cq.Queue, tag any) *Stream {
	st := &Stream{q: q, tag: tag, method: name}
	q.Begin()

	s.μ.Lock()
	if s.stopped {
		s.μ.Unlock()
		q.Post(tag, false)
		return st
	}
	m, ok := s.methods[name]
	if !ok {
		s.μ.Unlock()
		q.Post(tag, false)
		panic(fmt.Sprintf("method %q is not registered", name))
	}
	in, ok := m.backlog.Pop()
	if !ok {
		m.armed.Add(st)
		s.μ.Unlock()
		return st
	}
	s.μ.Unlock()
	st.bind(in.conn, in.req)
	return st
}

// dispatch routes an inbound request from c.
func (s *Server) dispatch(c *conn, req *wire.Request) {
	if !c.claim(req.RequestID) {
		// Report the duplicate without disturbing the existing call.
		c.respond(&wire.Response{RequestID: req.RequestID, Code: wire.CodeDuplicateID})
		return
	}

	s.μ.Lock()
	if h, ok := s.raw[req.Method]; ok {
		s.μ.Unlock()
		rootMetrics.rawCalls.Add(1)
		c.tasks.Go(func() error {
			data, err := Invoke(c.ctx, h, req)
			c.reply(NewResponse(c.ctx, req.RequestID, data, err))
			return nil
		})
		return
	}
	m, ok := s.methods[req.Method]
	if !ok || s.stopped {
		s.μ.Unlock()
		code := wire.CodeUnknownMethod
		if ok {
			code = wire.CodeCanceled
		}
		c.reply(&wire.Response{RequestID: req.RequestID, Code: code})
		return
	}
	if st, ok := m.armed.Pop(); ok {
		s.μ.Unlock()
		st.bind(c, req)
		return
	}
	if m.backlog.Len() >= s.opts.maxBacklog() {
		s.μ.Unlock()
		rootMetrics.reqRejected.Add(1)
		c.reply(&wire.Response{RequestID: req.RequestID, Code: wire.CodeResourceExhausted})
		return
	}
	m.backlog.Add(inbound{conn: c, req: req})
	s.μ.Unlock()
	rootMetrics.reqBacklogged.Add(1)
}

// newConn registers a new connection, or returns nil if the server has shut
// down.
func (s *Server) newConn(nc net.Conn) *conn {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.stopped {
		return nil
	}
	c := newConn(s, nc)
	s.conns[c] = struct{}{}
	rootMetrics.connActive.Add(1)
	return c
}

// dropConn removes c from the server along with any of its requests still
// waiting in a backlog.
func (s *Server) dropConn(c *conn) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	rootMetrics.connActive.Add(-1)
	for _, m := range s.methods {
		for n := m.backlog.Len(); n > 0; n-- {
			in, _ := m.backlog.Pop()
			if in.conn != c {
				m.backlog.Add(in)
			}
		}
	}
}

// Shutdown stops the server immediately. It closes the listener and all
// connections, and fails every armed acceptor. It blocks until the accept
// loop and all connection handlers have exited. Shutdown is idempotent.
func (s *Server) Shutdown() {
	s.μ.Lock()
	if s.stopped {
		s.μ.Unlock()
		return
	}
	s.stopped = true
	lst := s.lst
	var failed []*Stream
	for _, m := range s.methods {
		for {
			st, ok := m.armed.Pop()
			if !ok {
				break
			}
			failed = append(failed, st)
		}
		m.backlog.Clear()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.μ.Unlock()

	if lst != nil {
		lst.Close()
	}
	for _, st := range failed {
		st.q.Post(st.tag, false)
	}
	for _, c := range conns {
		c.close()
	}
	s.tasks.Wait()
	s.log.V(1).Info("transport stopped", "failed_acceptors", len(failed), "conns", len(conns))
}
