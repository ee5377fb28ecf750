// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/cqrpc/channel"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// maxPingStrikes is the number of too-frequent client pings tolerated before
// the connection is closed.
const maxPingStrikes = 2

// A conn is a single client connection.
type conn struct {
	srv    *Server
	nc     net.Conn
	peer   string
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group // keepalive and raw handlers

	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch channel.Channel
	}
	closeOnce sync.Once

	μ      sync.Mutex
	active map[uint32]struct{} // request IDs awaiting a reply

	lastRecv atomic.Int64 // UnixNano of the most recent inbound packet
	pings    *rate.Limiter
	strikes  int // accessed only by the reader
}

func newConn(s *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	lim := rate.NewLimiter(rate.Inf, 0)
	if d := s.opts.MinPingInterval; d > 0 {
		lim = rate.NewLimiter(rate.Every(d), 1)
	}
	peer := nc.RemoteAddr().String()
	if s.opts.TLS != nil {
		nc = tls.Server(nc, s.opts.TLS)
	}
	return &conn{
		srv:    s,
		nc:     nc,
		peer:   peer,
		log:    s.log.WithValues("peer", peer),
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		active: make(map[uint32]struct{}),
		pings:  lim,
	}
}

// serve runs the connection until it closes or a protocol fatal error
// occurs. It always reports nil so that one connection does not disturb the
// others.
func (c *conn) serve() error {
	defer c.srv.dropConn(c)
	defer c.close()

	if tc, ok := c.nc.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(c.ctx, handshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			rootMetrics.handshakeErr.Add(1)
			c.log.V(1).Info("TLS handshake failed", "error", err)
			return nil
		}
	}

	ch := channel.IO(c.nc, c.nc, &channel.IOOptions{
		Codec:           c.srv.codec,
		WriteBufferSize: c.srv.opts.WriteBufferSize,
	})
	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()

	c.touch()
	if c.srv.opts.KeepaliveTime > 0 {
		c.tasks.Go(c.keepalive)
	}

	for {
		pkt, err := ch.Recv()
		if err != nil {
			if !treatErrorAsSuccess(err) && c.ctx.Err() == nil {
				c.log.V(1).Info("read failed", "error", err)
			}
			break
		}
		c.touch()
		rootMetrics.packetRecv.Add(1)
		if err := c.dispatchPacket(pkt); err != nil {
			if !treatErrorAsSuccess(err) {
				c.log.V(1).Info("closing connection", "reason", err)
			}
			break
		}
	}
	c.close()
	c.tasks.Wait()
	c.log.V(1).Info("connection closed")
	return nil
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (c *conn) touch() { c.lastRecv.Store(time.Now().UnixNano()) }

func (c *conn) idle() time.Duration { return time.Since(time.Unix(0, c.lastRecv.Load())) }

// dispatchPacket routes an inbound packet from the client.
// Any error it reports is protocol fatal.
func (c *conn) dispatchPacket(pkt *wire.Packet) error {
	switch pkt.Type {
	case wire.PacketRequest:
		var req wire.Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		c.strikes = 0
		c.srv.dispatch(c, &req)

	case wire.PacketPing:
		rootMetrics.pingRecv.Add(1)
		if !c.pings.Allow() {
			c.strikes++
			if c.strikes > maxPingStrikes {
				c.send(&wire.Packet{
					Type:    wire.PacketGoAway,
					Payload: wire.GoAway{Reason: "too many pings"}.Encode(),
				})
				return errors.New("too many pings")
			}
		}
		return c.send(&wire.Packet{Type: wire.PacketPong, Payload: pkt.Payload})

	case wire.PacketPong:
		// Activity was already recorded.

	case wire.PacketGoAway:
		return io.EOF

	default:
		rootMetrics.packetDropped.Add(1)
	}
	return nil
}

// keepalive probes the connection with a ping after each period of
// inactivity, and closes it if nothing arrives within the timeout.
func (c *conn) keepalive() error {
	period := c.srv.opts.KeepaliveTime
	timeout := c.srv.opts.KeepaliveTimeout
	if timeout <= 0 {
		timeout = period
	}
	t := time.NewTimer(period)
	defer t.Stop()

	var token uint64
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-t.C:
		}
		if d := c.idle(); d < period {
			t.Reset(period - d)
			continue
		}

		token++
		sent := time.Now()
		if err := c.send(&wire.Packet{
			Type:    wire.PacketPing,
			Payload: wire.Ping{Token: token}.Encode(),
		}); err != nil {
			return nil
		}
		t.Reset(timeout)
		select {
		case <-c.ctx.Done():
			return nil
		case <-t.C:
		}
		if c.idle() > time.Since(sent) {
			c.log.V(1).Info("keepalive timeout", "timeout", timeout)
			c.close()
			return nil
		}
		t.Reset(period)
	}
}

// claim records id as active, and reports false if it was already active.
func (c *conn) claim(id uint32) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.active[id]; ok {
		return false
	}
	c.active[id] = struct{}{}
	return true
}

// reply releases the request ID of rsp and sends rsp to the client.
func (c *conn) reply(rsp *wire.Response) error {
	c.μ.Lock()
	delete(c.active, rsp.RequestID)
	c.μ.Unlock()
	return c.respond(rsp)
}

// respond sends rsp to the client without releasing its request ID.
func (c *conn) respond(rsp *wire.Response) error {
	return c.send(&wire.Packet{
		Type:    wire.PacketResponse,
		Payload: rsp.Encode(),
	})
}

// send sends pkt to the client. A failed send closes the connection.
func (c *conn) send(pkt *wire.Packet) error {
	c.out.Lock()
	defer c.out.Unlock()
	if c.ctx.Err() != nil || c.out.ch == nil {
		return net.ErrClosed
	}
	if err := c.out.ch.Send(pkt); err != nil {
		c.close()
		return err
	}
	rootMetrics.packetSent.Add(1)
	return nil
}

// close terminates the connection, interrupting any pending send or receive.
// It is safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.nc.Close()
	})
}
