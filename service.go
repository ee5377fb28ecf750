// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"github.com/creachadair/cqrpc/transport"
	"github.com/creachadair/cqrpc/wire"
)

// A Handler processes a request from a client.
//
// By default, the error reported by a handler is returned to the caller with
// error code 0 and the text of the error as its message. A handler may return
// a value of concrete type ErrorData or *ErrorData to control the error code,
// message, and auxiliary error data.
type Handler = transport.Handler

// Request is the request message delivered to a handler.
type Request = wire.Request

// ErrorData is the error payload of a service error response.
type ErrorData = wire.ErrorData

// A RawService is a set of handlers dispatched directly by the transport,
// without a completion queue or admission control.
type RawService interface {
	// ServiceName reports the name of the service, for logging.
	ServiceName() string

	// RawHandlers returns a map from full method names to handlers.
	RawHandlers() map[string]Handler
}

// A Service is a set of methods served by call factories. The server asks a
// service for its factories once per completion queue.
type Service interface {
	// ServiceName reports the name of the service.
	ServiceName() string

	// InitCallFactories returns the call factories of the service bound to
	// q. If clusterID is not empty, the factories must require it as the
	// token of each request.
	InitCallFactories(q *Queue, clusterID string) []*CallFactory
}

// ServiceDesc is a static description of a [Service]. The full name of each
// method is "Name/Method".
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// MethodDesc describes one method of a [ServiceDesc].
type MethodDesc struct {
	Name    string
	Handler Handler

	// MaxActiveRPCs bounds the number of concurrently active calls to the
	// method across all queues. Zero or Unbounded mean no limit.
	MaxActiveRPCs int

	// If true, the handler runs on its own goroutine rather than on the
	// poller of its queue.
	Offload bool
}

// ServiceName implements part of [Service].
func (d ServiceDesc) ServiceName() string { return d.Name }

// InitCallFactories implements part of [Service].
func (d ServiceDesc) InitCallFactories(q *Queue, clusterID string) []*CallFactory {
	out := make([]*CallFactory, len(d.Methods))
	for i, m := range d.Methods {
		out[i] = q.NewCallFactory(d.Name+"/"+m.Name, m, clusterID)
	}
	return out
}

// RawHandlers is a [RawService] defined by a map of handlers.
type RawHandlers struct {
	Name     string
	Handlers map[string]Handler
}

// ServiceName implements part of [RawService].
func (r RawHandlers) ServiceName() string { return r.Name }

// RawHandlers implements part of [RawService].
func (r RawHandlers) RawHandlers() map[string]Handler { return r.Handlers }
