// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides reliable ordered streams of wire packets.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/cqrpc/wire"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*wire.Packet) error

	// Receive the next available packet from the channel.
	Recv() (*wire.Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B Channel) {
	a2b := make(chan *wire.Packet)
	b2a := make(chan *wire.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *wire.Packet
	b2a <-chan *wire.Packet
}

// Send implements a method of the [Channel] interface.
func (d direct) Send(pkt *wire.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [Channel] interface.
func (d direct) Recv() (*wire.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IOOptions are optional settings for an [IOChannel]. A nil *IOOptions is
// ready for use and provides default values.
type IOOptions struct {
	// Codec controls payload size limits and compression.
	Codec wire.Codec

	// WriteBufferSize is the size of the outbound buffer. If zero, the bufio
	// default is used.
	WriteBufferSize int
}

func (o *IOOptions) codec() wire.Codec {
	if o == nil {
		return wire.Codec{}
	}
	return o.Codec
}

func (o *IOOptions) writer(w io.Writer) *bufio.Writer {
	if o == nil || o.WriteBufferSize <= 0 {
		return bufio.NewWriter(w)
	}
	return bufio.NewWriterSize(w, o.WriteBufferSize)
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser, opts *IOOptions) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{
		codec: opts.codec(),
		r:     bufio.NewReader(r),
		w:     opts.writer(wc),
		c:     wc,
	}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	codec wire.Codec
	r     *bufio.Reader
	c     io.Closer

	wmu sync.Mutex
	w   *bufio.Writer
}

// Send implements a method of the [Channel] interface.
func (c *IOChannel) Send(pkt *wire.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.codec.WritePacket(c.w, pkt); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Channel] interface.
func (c *IOChannel) Recv() (*wire.Packet, error) { return c.codec.ReadPacket(c.r) }

// Close implements a method of the [Channel] interface.
func (c *IOChannel) Close() error { return c.c.Close() }
