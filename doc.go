// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package cqrpc implements the server side of a completion-queue driven RPC
// framework.
//
// A [Server] accepts connections on a TCP listener, optionally secured with
// mutual TLS, and dispatches inbound requests across a fixed pool of
// completion queues. Each queue is served by one poller goroutine locked to
// an OS thread, which drives every call bound to that queue through its
// lifecycle.
//
// # Services
//
// A [Service] supplies a set of call factories for each queue. The simplest
// way to define one is with a [ServiceDesc]:
//
//	svc := cqrpc.ServiceDesc{
//	   Name: "kv",
//	   Methods: []cqrpc.MethodDesc{
//	      {Name: "Get", Handler: get, MaxActiveRPCs: 64},
//	      {Name: "Put", Handler: put, Offload: true},
//	   },
//	}
//	srv.RegisterService(svc, false)
//
// Clients call a method by its full name, "kv/Get". A [RawService] has
// handlers that the transport invokes directly, with no admission control.
//
// # Admission Control
//
// A call factory arms a number of calls on its queue, each waiting to accept
// one request. A request is matched to an armed call if one exists;
// otherwise it waits in a bounded per-method backlog until one is armed.
// For a method with a limit of M active calls on a server with N queues,
// each queue arms max(1, M/N) calls, and arms a replacement only when a call
// finishes sending its reply. A method with no limit arms
// [DefaultBufferSize] calls per queue, and arms a replacement as soon as a
// call accepts a request.
//
// # Calls
//
// A [ServerCall] is Pending until it accepts a request, Processing while its
// handler runs, and SendingReply until the transport reports the outcome of
// its reply. Handlers run on the poller unless the method is marked
// [MethodDesc.Offload]. A handler may use [ContextCall] to obtain its call,
// and [SetReplyCallbacks] to learn whether its reply was delivered.
//
// # Lifecycle
//
//	srv := cqrpc.NewServer(cqrpc.Options{NumThreads: 4})
//	srv.RegisterService(svc, false)
//	if err := srv.Run(); err != nil {
//	   log.Fatalf("Run: %v", err) // *cqrpc.BindError if the port is busy
//	}
//	defer srv.Shutdown()
//
// Shutdown closes the listener and all connections, fails every call still
// waiting for a request, and waits for the pollers to drain the replies
// still owed.
//
// # Metrics
//
// Servers maintain a collection of metrics while running. Use the
// [Server.Metrics] method to obtain an [expvar.Map] containing them. Calling
// [Init] publishes the map to expvar as "cqrpc", and enables the built-in
// health and reflection methods.
//
// The call metrics include:
//
//   - calls_created: counter of calls armed to accept a request
//   - calls_in: counter of requests accepted by a call
//   - calls_active: gauge of calls between accept and release
//   - calls_replied: counter of replies sent
//   - calls_failed: counter of replies that could not be sent
//   - calls_dropped: counter of calls released without a request
//   - calls_unauthenticated: counter of requests with a bad token
//
// The "transport" entry holds the metrics of the connection layer.
package cqrpc
