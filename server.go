// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/cqrpc/catalog"
	"github.com/creachadair/cqrpc/cq"
	"github.com/creachadair/cqrpc/transport"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// maxPingInterval caps the minimum interval the server requires between
// client pings.
const maxPingInterval = 60 * time.Second

// Options are the settings for a [Server].
type Options struct {
	// Name identifies the server in logs.
	Name string

	// Port is the TCP port to listen on. If zero, a free port is chosen and
	// reported by Port once the server is running.
	Port int

	// If true, listen only on the loopback interface.
	LocalhostOnly bool

	// NumThreads is the number of completion queues and pollers. It must be
	// positive.
	NumThreads int

	// ClusterID, if not uuid.Nil, is the token required by services
	// registered with token authentication.
	ClusterID uuid.UUID

	// TLS, if non-nil, enables mutual TLS. See transport.ServerTLSConfig.
	TLS *tls.Config

	// KeepaliveTime is the idle time after which the server pings a client,
	// and KeepaliveTimeout is how long it waits for an answer.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// ClientKeepaliveTime is the keepalive period clients are expected to
	// use. The server rejects pings more frequent than this or one minute,
	// whichever is less.
	ClientKeepaliveTime time.Duration

	MaxMessageSize  int  // if zero, use the wire default
	WriteBufferSize int  // if zero, use system defaults
	MaxBacklog      int  // per-method requests waiting for a call
	Compression     bool // compress large outbound payloads

	// Logger receives log output. If unset, logs are discarded.
	Logger logr.Logger
}

func (o Options) minPingInterval() time.Duration {
	if o.ClientKeepaliveTime <= 0 {
		return maxPingInterval
	}
	return min(maxPingInterval, o.ClientKeepaliveTime)
}

// BindError is the error reported by [Server.Run] when the server cannot
// listen on its configured port.
type BindError struct {
	Port int    // the requested port
	Addr string // the requested address
	Err  error  // the underlying error
}

func (b *BindError) Error() string {
	return fmt.Sprintf("failed to bind port %d (%s): %v; the port may be in use "+
		"by another process, or reserved or restricted on this host", b.Port, b.Addr, b.Err)
}

func (b *BindError) Unwrap() error { return b.Err }

// A Server accepts RPC calls and dispatches them to the call factories of
// its services across a fixed pool of completion queues.
type Server struct {
	opts    Options
	log     logr.Logger
	queues  []*Queue
	pollers *taskgroup.Group

	running atomic.Bool
	port    atomic.Int32

	μ        sync.Mutex
	tp       *transport.Server // nil after shutdown
	raw      []RawService
	services []string
	methods  catalog.Catalog
	ran      bool
	shutdown bool
}

// NewServer constructs a new server with the given options. The server does
// not accept connections until Run is called.
// NewServer panics if opts.NumThreads <= 0.
func NewServer(opts Options) *Server {
	if opts.NumThreads <= 0 {
		panic(fmt.Sprintf("cqrpc: server must have at least one thread (got %d)", opts.NumThreads))
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.Name != "" {
		log = log.WithValues("server", opts.Name)
	}
	s := &Server{
		opts:    opts,
		log:     log,
		pollers: taskgroup.New(nil),
		tp: transport.New(transport.Options{
			MaxMessageSize:   opts.MaxMessageSize,
			KeepaliveTime:    opts.KeepaliveTime,
			KeepaliveTimeout: opts.KeepaliveTimeout,
			MinPingInterval:  opts.minPingInterval(),
			WriteBufferSize:  opts.WriteBufferSize,
			Compression:      opts.Compression,
			MaxBacklog:       opts.MaxBacklog,
			TLS:              opts.TLS,
			Logger:           log.WithName("transport"),
		}),
		methods:  catalog.New(),
		shutdown: true,
	}
	for i := range opts.NumThreads {
		s.queues = append(s.queues, &Queue{index: i, cq: cq.New(), srv: s})
	}
	return s
}

// RegisterRawService registers a service whose handlers are invoked directly
// by the transport. It panics if the server has already run.
func (s *Server) RegisterRawService(svc RawService) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.checkSetupLocked()
	s.raw = append(s.raw, svc)
}

// RegisterService registers svc with the server. The service builds one set
// of call factories for each queue. If tokenAuth is true, requests to the
// service must carry the cluster ID of the server as their token.
//
// RegisterService panics if tokenAuth is true and the server has no cluster
// ID, or if the server has already run.
func (s *Server) RegisterService(svc Service, tokenAuth bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.checkSetupLocked()

	var clusterID string
	if tokenAuth {
		if s.opts.ClusterID == uuid.Nil {
			panic(fmt.Sprintf("cqrpc: service %q requires token auth but no cluster ID is set", svc.ServiceName()))
		}
		clusterID = s.opts.ClusterID.String()
	}
	for _, q := range s.queues {
		q.factories = append(q.factories, svc.InitCallFactories(q, clusterID)...)
	}
	s.services = append(s.services, svc.ServiceName())
}

func (s *Server) checkSetupLocked() {
	if s.ran {
		panic("cqrpc: server has already run")
	}
}

// Run binds the listener, starts the transport, arms the initial calls of
// every factory, and starts the pollers. It does not block. If the listener
// cannot be bound, Run reports a *BindError.
func (s *Server) Run() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ran {
		return errors.New("server has already run")
	}
	s.ran = true

	// Every queue has factories for the same methods; register each method
	// with the transport once.
	var methods []*CallFactory
	names := mapset.New[string]()
	for _, q := range s.queues {
		local := mapset.New[string]()
		for _, f := range q.factories {
			if local.Has(f.method) {
				panic(fmt.Sprintf("cqrpc: method %q is registered more than once", f.method))
			}
			local.Add(f.method)
			if !names.Has(f.method) {
				names.Add(f.method)
				methods = append(methods, f)
			}
		}
	}

	if len(s.raw) == 0 && len(s.services) == 0 {
		s.log.Info("no services registered", "name", s.opts.Name)
	}

	host := "0.0.0.0"
	if s.opts.LocalhostOnly {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.opts.Port))
	port, err := s.tp.Listen("tcp", addr)
	if err != nil {
		s.tp.Shutdown()
		s.log.Error(err, "bind failed", "addr", addr)
		return &BindError{Port: s.opts.Port, Addr: addr, Err: err}
	}

	for _, svc := range s.raw {
		for name, h := range svc.RawHandlers() {
			s.tp.Handle(name, h)
			s.methods.Add(catalog.Entry{Name: name, Raw: true})
		}
	}
	if builtinsEnabled.Load() {
		s.registerBuiltins()
	}
	for _, f := range methods {
		s.tp.RegisterMethod(f.method)
		s.methods.Add(catalog.Entry{
			Name:          f.method,
			MaxActiveRPCs: f.maxActive,
			TokenAuth:     f.TokenAuth(),
			Offload:       f.offload,
		})
	}

	s.tp.Start()

	n := len(s.queues)
	for _, q := range s.queues {
		for _, f := range q.factories {
			for range InitialCalls(f.maxActive, n) {
				f.CreateCall()
			}
		}
	}
	for _, q := range s.queues {
		s.pollers.Go(q.poll)
	}

	s.port.Store(int32(port))
	s.shutdown = false
	s.running.Store(true)
	s.log.Info("server listening", "port", port, "threads", n,
		"services", len(s.services), "methods", s.methods.Len(), "tls", s.opts.TLS != nil)
	return nil
}

// Port reports the port the server is listening on, or 0 if it is not
// running.
func (s *Server) Port() int { return int(s.port.Load()) }

// Metrics returns the metrics map for the server. The "transport" entry holds
// the metrics of the transport.
func (s *Server) Metrics() *expvar.Map { return rootMetrics.emap }

// Methods returns a catalog of the methods served by s. It is empty until
// Run succeeds.
func (s *Server) Methods() catalog.Catalog {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.methods
}

// Shutdown stops the server. It closes the listener and all connections
// without waiting for calls in flight, fails every pending call, and waits
// for all pollers to exit. Calls whose replies are owed finish before their
// pollers exit. Shutdown is idempotent, and is a no-op if the server is not
// running.
func (s *Server) Shutdown() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.running.Store(false)

	s.tp.Shutdown()
	for _, q := range s.queues {
		q.cq.Shutdown()
	}
	s.pollers.Wait()
	s.tp = nil
	s.port.Store(0)
	s.log.Info("server stopped")
}
