// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import "expvar"

// transportMetrics record connection and packet activity counters.
type transportMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	connAccepted  expvar.Int
	connActive    expvar.Int
	handshakeErr  expvar.Int // number of failed TLS handshakes
	reqBacklogged expvar.Int // number of requests that waited for an acceptor
	reqRejected   expvar.Int // number of requests rejected for lack of capacity
	pingRecv      expvar.Int
	rawCalls      expvar.Int // number of requests dispatched to raw handlers

	emap *expvar.Map
}

var rootMetrics = newTransportMetrics()

func newTransportMetrics() *transportMetrics {
	tm := &transportMetrics{emap: new(expvar.Map)}
	tm.emap.Set("packets_received", &tm.packetRecv)
	tm.emap.Set("packets_sent", &tm.packetSent)
	tm.emap.Set("packets_dropped", &tm.packetDropped)
	tm.emap.Set("conns_accepted", &tm.connAccepted)
	tm.emap.Set("conns_active", &tm.connActive)
	tm.emap.Set("handshakes_failed", &tm.handshakeErr)
	tm.emap.Set("requests_backlogged", &tm.reqBacklogged)
	tm.emap.Set("requests_rejected", &tm.reqRejected)
	tm.emap.Set("pings_received", &tm.pingRecv)
	tm.emap.Set("raw_calls", &tm.rawCalls)
	return tm
}

// Metrics returns the metrics map shared by all transport servers.
func Metrics() *expvar.Map { return rootMetrics.emap }
