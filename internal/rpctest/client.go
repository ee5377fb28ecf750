// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package rpctest provides a minimal client and certificate helpers for
// testing cqrpc servers.
package rpctest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/cqrpc/channel"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/taskgroup"
)

// Options are optional settings for a [Client]. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// Token is sent with every call that does not specify its own.
	Token string

	// IgnorePings, if true, means the client does not answer pings from the
	// server.
	IgnorePings bool

	// Codec controls payload limits and compression.
	Codec wire.Codec
}

func (o *Options) token() string { return optOr(o, func(o *Options) string { return o.Token }) }

func (o *Options) ignorePings() bool {
	return optOr(o, func(o *Options) bool { return o.IgnorePings })
}

func (o *Options) codec() wire.Codec {
	return optOr(o, func(o *Options) wire.Codec { return o.Codec })
}

func optOr[T any](o *Options, f func(*Options) T) (zero T) {
	if o == nil {
		return zero
	}
	return f(o)
}

// A Client issues calls to a server over a single channel.
type Client struct {
	opts  *Options
	tasks *taskgroup.Group

	out struct {
		sync.Mutex
		ch channel.Channel
	}

	μ      sync.Mutex
	err    error                          // set when the client fails
	nextID uint32                         // next unused request ID
	calls  map[uint32]chan *wire.Response // pending calls
	pings  map[uint64]chan struct{}       // pending pings
	goAway *wire.GoAway                   // received from the server, if any
	nextP  uint64                         // next unused ping token
}

// Dial connects to a server at the given address. If cfg != nil, the
// connection is secured with TLS and the handshake completes before Dial
// returns.
func Dial(ctx context.Context, network, addr string, cfg *tls.Config, opts *Options) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}
	return New(channel.IO(nc, nc, &channel.IOOptions{Codec: opts.codec()}), opts), nil
}

// New starts a client that communicates over ch.
func New(ch channel.Channel, opts *Options) *Client {
	c := &Client{
		opts:  opts,
		tasks: taskgroup.New(nil),
		calls: make(map[uint32]chan *wire.Response),
		pings: make(map[uint64]chan struct{}),
	}
	c.out.ch = ch
	c.tasks.Go(func() error {
		for {
			pkt, err := ch.Recv()
			if err == nil {
				err = c.dispatch(pkt)
			}
			if err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

func (c *Client) dispatch(pkt *wire.Packet) error {
	switch pkt.Type {
	case wire.PacketResponse:
		var rsp wire.Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		c.μ.Lock()
		pc, ok := c.calls[rsp.RequestID]
		delete(c.calls, rsp.RequestID)
		c.μ.Unlock()
		if ok {
			pc <- &rsp // buffered
		}

	case wire.PacketPing:
		if c.opts.ignorePings() {
			return nil
		}
		return c.send(&wire.Packet{Type: wire.PacketPong, Payload: pkt.Payload})

	case wire.PacketPong:
		var p wire.Ping
		if err := p.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid pong packet: %w", err)
		}
		c.μ.Lock()
		done, ok := c.pings[p.Token]
		delete(c.pings, p.Token)
		c.μ.Unlock()
		if ok {
			close(done)
		}

	case wire.PacketGoAway:
		var ga wire.GoAway
		if err := ga.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid go-away packet: %w", err)
		}
		c.μ.Lock()
		c.goAway = &ga
		c.μ.Unlock()
	}
	return nil
}

// fail terminates all pending calls and records err.
func (c *Client) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()
	for _, pc := range c.calls {
		close(pc)
	}
	c.calls = nil
	for _, done := range c.pings {
		close(done)
	}
	c.pings = nil
	if c.err == nil {
		c.err = err
	}
}

// Call sends a request for the named method and blocks until ctx ends or the
// response is received. An error reported by Call has concrete type
// *CallError.
func (c *Client) Call(ctx context.Context, method string, data []byte) (*wire.Response, error) {
	return c.CallToken(ctx, method, c.opts.token(), data)
}

// CallToken is as Call, but sends the given authentication token.
func (c *Client) CallToken(ctx context.Context, method, token string, data []byte) (*wire.Response, error) {
	c.μ.Lock()
	c.nextID++
	id := c.nextID
	c.μ.Unlock()

	pc, err := c.Send(wire.Request{RequestID: id, Method: method, Token: token, Data: data})
	if err != nil {
		return nil, &CallError{Err: err}
	}
	return c.Wait(ctx, pc)
}

// Send sends req without waiting for a reply, and returns a channel that
// delivers the response. The caller chooses the request ID; this permits
// tests to reuse an ID still in flight, in which case the returned channel is
// the one already pending for that ID and receives the next response for it.
func (c *Client) Send(req wire.Request) (<-chan *wire.Response, error) {
	pc := make(chan *wire.Response, 1)
	c.μ.Lock()
	if c.err != nil {
		err := c.err
		c.μ.Unlock()
		return nil, err
	}
	if old, ok := c.calls[req.RequestID]; ok {
		pc = old
	} else {
		c.calls[req.RequestID] = pc
	}
	c.μ.Unlock()

	if err := c.send(&wire.Packet{Type: wire.PacketRequest, Payload: req.Encode()}); err != nil {
		return nil, err
	}
	return pc, nil
}

// Wait blocks until a response is delivered on pc or ctx ends.
func (c *Client) Wait(ctx context.Context, pc <-chan *wire.Response) (*wire.Response, error) {
	select {
	case <-ctx.Done():
		return nil, &CallError{Err: ctx.Err()}
	case rsp, ok := <-pc:
		if !ok {
			return nil, &CallError{Err: fmt.Errorf("call terminated: %w", c.Err())}
		}
		if rsp.Code == wire.CodeSuccess {
			return rsp, nil
		}
		ce := &CallError{Response: rsp}
		if rsp.Code == wire.CodeServiceError {
			// Try to decode the error data, but if that fails use the string
			// from the failure message so the caller has a way to debug.
			if err := ce.ErrorData.Decode(rsp.Data); err != nil {
				ce.Message = err.Error()
			}
		}
		return nil, ce
	}
}

// Ping sends a ping to the server and waits for the matching pong.
func (c *Client) Ping(ctx context.Context) error {
	done := make(chan struct{})
	c.μ.Lock()
	if c.err != nil {
		err := c.err
		c.μ.Unlock()
		return err
	}
	c.nextP++
	token := c.nextP
	c.pings[token] = done
	c.μ.Unlock()

	if err := c.send(&wire.Packet{Type: wire.PacketPing, Payload: wire.Ping{Token: token}.Encode()}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return c.Err() // nil if the pong arrived
	}
}

// SendPacket sends an arbitrary packet to the server.
func (c *Client) SendPacket(pkt *wire.Packet) error { return c.send(pkt) }

// GoAway returns the go-away message received from the server, or nil.
func (c *Client) GoAway() *wire.GoAway {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.goAway
}

// Err reports the error that terminated the client, or nil if it is still
// running.
func (c *Client) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.err
}

// Done waits up to timeout for the server to close the connection, and
// reports whether it did.
func (c *Client) Done(timeout time.Duration) bool {
	ok := make(chan struct{})
	go func() { c.tasks.Wait(); close(ok) }()
	select {
	case <-ok:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close closes the channel and waits for the client to exit.
func (c *Client) Close() error {
	c.closeOut()
	c.tasks.Wait()
	if err := c.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) send(pkt *wire.Packet) error {
	c.out.Lock()
	defer c.out.Unlock()
	return c.out.ch.Send(pkt)
}

func (c *Client) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	c.out.ch.Close()
}

// CallError is the concrete type of errors reported by the Call method of a
// Client. For service errors, the Err field is nil and the ErrorData contains
// the error details. For errors arising from a response, the Response field
// contains the complete response message.
type CallError struct {
	wire.ErrorData
	Err      error          // nil for errors reported by the server
	Response *wire.Response // set if the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == wire.CodeServiceError {
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

// Code reports the result code of the response that caused err, or -1 if err
// is not a *CallError carrying a response.
func Code(err error) int {
	var ce *CallError
	if errors.As(err, &ce) && ce.Response != nil {
		return int(ce.Response.Code)
	}
	return -1
}
