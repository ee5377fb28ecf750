// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the binary framing and payload formats exchanged
// between a cqrpc server and its clients.
//
// Each packet is an 8-byte header followed by a payload:
//
//	'C' 'Q' <flags> <type> <length:uint32 big-endian>
//
// If bit 0 of the flags is set, the payload is compressed with zstd. The
// length is the size of the payload as transmitted.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxPayload is the default limit on the size of a packet payload,
// both as transmitted and after decompression.
const DefaultMaxPayload = 16 << 20

// DefaultMinCompressSize is the default size below which payloads are not
// compressed even when compression is enabled.
const DefaultMinCompressSize = 1 << 10

// Packet is the parsed format of a wire packet.
type Packet struct {
	Type    PacketType
	Flags   Flags
	Payload []byte
}

// Flags are per-packet header flags.
type Flags byte

const (
	// FlagCompressed marks a payload compressed with zstd. It is set and
	// cleared by the [Codec]; callers do not need to manage it.
	FlagCompressed Flags = 1 << iota
)

// Encode encodes p in binary format using the default codec.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format using the default codec.
// It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) { return Codec{}.WritePacket(w, p) }

// ReadFrom reads a packet from r in binary format using the default codec.
// It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) { return Codec{}.readPacket(r, p) }

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(p.Payload); err == nil {
			pay = rsp.String()
		}
	case PacketPing, PacketPong:
		var ping Ping
		if err := ping.Decode(p.Payload); err == nil {
			pay = ping.String()
		}
	case PacketGoAway:
		var ga GoAway
		if err := ga.Decode(p.Payload); err == nil {
			pay = ga.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(%v, %s)", p.Type, pay)
}

// PacketType describes the structure type of a packet.
//
// Packet type values from 0 to 127 inclusive are reserved by the protocol.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketResponse PacketType = 4 // The final response from a call
	PacketPing     PacketType = 5 // A keepalive probe
	PacketPong     PacketType = 6 // The answer to a keepalive probe
	PacketGoAway   PacketType = 7 // The sender is closing the connection

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketResponse:
		return "RESPONSE"
	case PacketPing:
		return "PING"
	case PacketPong:
		return "PONG"
	case PacketGoAway:
		return "GOAWAY"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// IsReserved reports whether p is in the range reserved by the protocol.
func (p PacketType) IsReserved() bool { return p <= maxReservedType }

// A Codec reads and writes packets subject to size limits and optional
// payload compression. The zero value is ready for use with default limits
// and no compression.
type Codec struct {
	// MaxPayload bounds the size of a payload, both as transmitted and after
	// decompression. If zero, DefaultMaxPayload is used.
	MaxPayload int

	// Compress enables zstd compression of outbound payloads of at least
	// MinCompressSize bytes. Compressed inbound payloads are accepted
	// regardless of this setting.
	Compress bool

	// MinCompressSize is the smallest payload eligible for compression.
	// If zero, DefaultMinCompressSize is used.
	MinCompressSize int
}

func (c Codec) maxPayload() int {
	if c.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

func (c Codec) minCompress() int {
	if c.MinCompressSize <= 0 {
		return DefaultMinCompressSize
	}
	return c.MinCompressSize
}

// WritePacket writes p to w in binary format.
func (c Codec) WritePacket(w io.Writer, p *Packet) (int64, error) {
	payload, flags := p.Payload, p.Flags&^FlagCompressed
	if c.Compress && len(payload) >= c.minCompress() {
		if z := compress(payload); len(z) < len(payload) {
			payload, flags = z, flags|FlagCompressed
		}
	}
	if len(payload) > c.maxPayload() {
		return 0, fmt.Errorf("payload too large (%d > %d bytes)", len(payload), c.maxPayload())
	}

	buf := [8]byte{'C', 'Q', byte(flags), byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(payload) != 0 {
		var np int
		np, err = w.Write(payload)
		nw += np
	}
	return int64(nw), err
}

// ReadPacket reads a single packet from r.
func (c Codec) ReadPacket(r io.Reader) (*Packet, error) {
	var pkt Packet
	if _, err := c.readPacket(r, &pkt); err != nil {
		return nil, err
	}
	return &pkt, nil
}

func (c Codec) readPacket(r io.Reader, p *Packet) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err == io.EOF {
		return 0, err // clean end of stream between packets
	} else if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "CQ" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}

	flags := Flags(buf[2])
	p.Type = PacketType(buf[3])
	p.Flags = flags &^ FlagCompressed
	p.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if int64(psize) > int64(c.maxPayload()) {
		return int64(nr), fmt.Errorf("payload too large (%d > %d bytes)", psize, c.maxPayload())
	}
	if psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short payload: %w", err)
		}
	}
	if flags&FlagCompressed != 0 {
		p.Payload, err = decompress(p.Payload, c.maxPayload())
		if err != nil {
			return int64(nr), fmt.Errorf("invalid compressed payload: %w", err)
		}
	}
	return int64(nr), nil
}
