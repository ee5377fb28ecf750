// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"expvar"

	"github.com/creachadair/cqrpc/transport"
)

// callMetrics record call lifecycle counters.
type callMetrics struct {
	callCreated expvar.Int // number of calls armed to accept a request
	callIn      expvar.Int // number of requests accepted by a call
	callActive  expvar.Int // gauge of calls between accept and release
	callReplied expvar.Int // number of replies sent
	callFailed  expvar.Int // number of replies that could not be sent
	callDropped expvar.Int // number of calls released without a request
	callUnauth  expvar.Int // number of requests rejected for a bad token

	emap *expvar.Map
}

var rootMetrics = newCallMetrics()

func newCallMetrics() *callMetrics {
	cm := &callMetrics{emap: new(expvar.Map)}
	cm.emap.Set("calls_created", &cm.callCreated)
	cm.emap.Set("calls_in", &cm.callIn)
	cm.emap.Set("calls_active", &cm.callActive)
	cm.emap.Set("calls_replied", &cm.callReplied)
	cm.emap.Set("calls_failed", &cm.callFailed)
	cm.emap.Set("calls_dropped", &cm.callDropped)
	cm.emap.Set("calls_unauthenticated", &cm.callUnauth)
	cm.emap.Set("transport", transport.Metrics())
	return cm
}
