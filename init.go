// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"context"
	"expvar"
	"sync"
	"sync/atomic"

	"github.com/creachadair/cqrpc/catalog"
)

// Names of the built-in methods enabled by Init.
const (
	HealthCheckMethod = "cqrpc.Health/Check"
	ListMethodsMethod = "cqrpc.Reflection/ListMethods"
)

// Health check results.
const (
	Serving    = "SERVING"
	NotServing = "NOT_SERVING"
)

var (
	initOnce        sync.Once
	builtinsEnabled atomic.Bool
)

// Init performs process-wide setup. It enables the built-in health and
// reflection services on every server run afterward, and publishes server
// metrics to expvar under "cqrpc". Init may be called more than once; only
// the first call has any effect.
func Init() {
	initOnce.Do(func() {
		builtinsEnabled.Store(true)
		expvar.Publish("cqrpc", rootMetrics.emap)
	})
}

// registerBuiltins registers the built-in raw handlers on the transport.
// The caller must hold s.μ.
//
// The handlers do not take the lock of s, since the transport waits for
// them during shutdown.
func (s *Server) registerBuiltins() {
	s.tp.Handle(HealthCheckMethod, func(context.Context, *Request) ([]byte, error) {
		if s.running.Load() {
			return []byte(Serving), nil
		}
		return []byte(NotServing), nil
	})
	s.methods.Add(catalog.Entry{Name: HealthCheckMethod, Raw: true})

	s.tp.Handle(ListMethodsMethod, s.methods.Handler)
	s.methods.Add(catalog.Entry{Name: ListMethodsMethod, Raw: true})
}
