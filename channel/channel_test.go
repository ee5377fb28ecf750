// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/cqrpc/channel"
	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/taskgroup"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		pkt := new(wire.Packet)
		if err := c.Send(pkt); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != pkt {
			t.Errorf("Packet: got %v, want %v", got, pkt)
		}
		return nil
	})
	g.Go(func() error {
		pkt, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(pkt); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if pkt, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if pkt, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestIO(t *testing.T) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	opts := &channel.IOOptions{
		Codec:           wire.Codec{Compress: true},
		WriteBufferSize: 256,
	}
	a := channel.IO(ar, aw, opts)
	b := channel.IO(br, bw, nil)

	big := []byte(strings.Repeat("abcdefgh", 1024))
	g := taskgroup.New(nil)
	g.Go(func() error {
		for _, data := range [][]byte{nil, []byte("hello"), big} {
			if err := a.Send(&wire.Packet{Type: wire.PacketResponse, Payload: data}); err != nil {
				t.Errorf("A Send: %v", err)
			}
		}
		return a.Close()
	})

	for _, want := range [][]byte{nil, []byte("hello"), big} {
		pkt, err := b.Recv()
		if err != nil {
			t.Fatalf("B Recv: %v", err)
		}
		if pkt.Type != wire.PacketResponse || !bytes.Equal(pkt.Payload, want) {
			t.Errorf("B Recv: got %v, want %d bytes", pkt, len(want))
		}
	}
	if pkt, err := b.Recv(); err == nil {
		t.Errorf("B Recv after close: got %v, want error", pkt)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("A Close: %v", err)
	}
	b.Close()
}
