// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/cqrpc/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPacketEncoding(t *testing.T) {
	tests := []struct {
		pkt  wire.Packet
		want string
	}{
		{wire.Packet{Type: wire.PacketPing}, "CQ\x00\x05\x00\x00\x00\x00"},
		{wire.Packet{Type: wire.PacketGoAway, Payload: []byte("bye")}, "CQ\x00\x07\x00\x00\x00\x03bye"},
		{wire.Packet{Type: 200, Flags: 0x80, Payload: []byte{1, 2}}, "CQ\x80\xc8\x00\x00\x00\x02\x01\x02"},

		// The compression flag is owned by the codec.
		{wire.Packet{Type: wire.PacketPong, Flags: wire.FlagCompressed}, "CQ\x00\x06\x00\x00\x00\x00"},
	}
	for _, tc := range tests {
		got := string(tc.pkt.Encode())
		if got != tc.want {
			t.Errorf("Encode %v: got %q, want %q", tc.pkt.Type, got, tc.want)
		}

		var dec wire.Packet
		if _, err := dec.ReadFrom(strings.NewReader(got)); err != nil {
			t.Errorf("ReadFrom %q: unexpected error: %v", got, err)
		} else if dec.Type != tc.pkt.Type || !bytes.Equal(dec.Payload, tc.pkt.Payload) {
			t.Errorf("ReadFrom %q: got %v, want %v", got, &dec, &tc.pkt)
		}
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"Magic", "XY\x00\x02\x00\x00\x00\x00", "invalid protocol magic"},
		{"ShortHeader", "CQ\x00", "short packet header"},
		{"ShortPayload", "CQ\x00\x02\x00\x00\x00\x09abc", "short payload"},
		{"TooLarge", "CQ\x00\x02\x00\x00\x01\x00", "payload too large"},
		{"BadCompressed", "CQ\x01\x02\x00\x00\x00\x03abc", "invalid compressed payload"},
	}
	codec := wire.Codec{MaxPayload: 64}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pkt, err := codec.ReadPacket(strings.NewReader(tc.input))
			if err == nil {
				t.Fatalf("ReadPacket: got %v, want error", pkt)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("ReadPacket: got %v, want %q", err, tc.want)
			}
		})
	}

	t.Run("EOF", func(t *testing.T) {
		_, err := codec.ReadPacket(strings.NewReader(""))
		if !errors.Is(err, io.EOF) {
			t.Errorf("ReadPacket: got %v, want %v", err, io.EOF)
		}
	})
}

func TestCompression(t *testing.T) {
	data := []byte(strings.Repeat("all work and no play ", 200))
	codec := wire.Codec{Compress: true}

	var buf bytes.Buffer
	nw, err := codec.WritePacket(&buf, &wire.Packet{Type: wire.PacketResponse, Payload: data})
	if err != nil {
		t.Fatalf("WritePacket: unexpected error: %v", err)
	}
	if int(nw) >= 8+len(data) {
		t.Errorf("WritePacket: wrote %d bytes, want fewer than %d", nw, 8+len(data))
	}
	if flags := buf.Bytes()[2]; wire.Flags(flags)&wire.FlagCompressed == 0 {
		t.Errorf("WritePacket: flags %x do not mark compression", flags)
	}

	// A reader with compression disabled still accepts compressed payloads.
	pkt, err := wire.Codec{}.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: unexpected error: %v", err)
	}
	if !bytes.Equal(pkt.Payload, data) {
		t.Errorf("ReadPacket: payload mismatch (got %d bytes, want %d)", len(pkt.Payload), len(data))
	}
	if pkt.Flags&wire.FlagCompressed != 0 {
		t.Errorf("ReadPacket: flags %v still mark compression", pkt.Flags)
	}

	// The decompressed size is subject to the payload limit.
	buf.Reset()
	if _, err := codec.WritePacket(&buf, &wire.Packet{Type: wire.PacketResponse, Payload: data}); err != nil {
		t.Fatalf("WritePacket: unexpected error: %v", err)
	}
	if pkt, err := (wire.Codec{MaxPayload: len(data) / 2}).ReadPacket(&buf); err == nil {
		t.Errorf("ReadPacket: got %d bytes, want error", len(pkt.Payload))
	}

	// Short payloads are sent uncompressed.
	buf.Reset()
	if _, err := codec.WritePacket(&buf, &wire.Packet{Type: wire.PacketRequest, Payload: []byte("short")}); err != nil {
		t.Fatalf("WritePacket: unexpected error: %v", err)
	}
	if got, want := buf.String(), "CQ\x00\x02\x00\x00\x00\x05short"; got != want {
		t.Errorf("WritePacket: got %q, want %q", got, want)
	}
}

func TestWriteTooLarge(t *testing.T) {
	codec := wire.Codec{MaxPayload: 4}
	var buf bytes.Buffer
	if _, err := codec.WritePacket(&buf, &wire.Packet{Type: wire.PacketRequest, Payload: []byte("hello")}); err == nil {
		t.Error("WritePacket: got nil, want error")
	}
	if buf.Len() != 0 {
		t.Errorf("WritePacket: wrote %d bytes after error", buf.Len())
	}
}

func TestPayloads(t *testing.T) {
	opt := cmpopts.EquateEmpty()

	t.Run("Request", func(t *testing.T) {
		in := wire.Request{RequestID: 12345, Method: "kv.Store/Get", Token: "sekret", Data: []byte("key")}
		var out wire.Request
		if err := out.Decode(in.Encode()); err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if diff := cmp.Diff(in, out, opt); diff != "" {
			t.Errorf("Request (-want, +got):\n%s", diff)
		}
		if s := out.String(); !strings.Contains(s, "Auth") {
			t.Errorf("String: got %q, want auth marker", s)
		}
	})

	t.Run("Response", func(t *testing.T) {
		in := wire.Response{RequestID: 7, Code: wire.CodeResourceExhausted}
		var out wire.Response
		if err := out.Decode(in.Encode()); err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if diff := cmp.Diff(in, out, opt); diff != "" {
			t.Errorf("Response (-want, +got):\n%s", diff)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		var out wire.Ping
		if err := out.Decode(wire.Ping{Token: 0xdeadbeef}.Encode()); err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		} else if out.Token != 0xdeadbeef {
			t.Errorf("Token: got %x, want %x", out.Token, 0xdeadbeef)
		}
	})

	t.Run("GoAway", func(t *testing.T) {
		var out wire.GoAway
		if err := out.Decode(wire.GoAway{Reason: "too many pings"}.Encode()); err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		} else if out.Reason != "too many pings" {
			t.Errorf("Reason: got %q, want %q", out.Reason, "too many pings")
		}
	})
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		dec   interface{ Decode([]byte) error }
	}{
		{"RequestShort", "\x00\x01", new(wire.Request)},
		{"RequestMethod", "\x00\x00\x00\x01\x10ab", new(wire.Request)},
		{"RequestToken", "\x00\x00\x00\x01\x04a", new(wire.Request)},
		{"ResponseShort", "\x00\x00\x00", new(wire.Response)},
		{"ResponseCode", "\x00\x00\x00\x01\x63", new(wire.Response)},
		{"PingSize", "\x01\x02\x03", new(wire.Ping)},
		{"GoAwayUTF8", "\xff\xfe", new(wire.GoAway)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.dec.Decode([]byte(tc.input)); err == nil {
				t.Errorf("Decode %q: got %+v, want error", tc.input, tc.dec)
			} else {
				t.Logf("Decode %q: got expected error: %v", tc.input, err)
			}
		})
	}
}

func TestRegression(t *testing.T) {
	t.Run("ErrorDataSize", func(t *testing.T) {
		const input = "\x00\x01\x00\x04abc"

		var ed wire.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})

	t.Run("ErrorUTF8", func(t *testing.T) {
		const input = "\x01\x02\x00\x04abc\xc0----"

		var ed wire.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})

	t.Run("ErrorDataTrailing", func(t *testing.T) {
		in := wire.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}

		var ed wire.ErrorData
		if err := ed.Decode(in.Encode()); err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		} else if diff := cmp.Diff(in, ed); diff != "" {
			t.Errorf("ErrorData (-want, +got):\n%s", diff)
		}
	})
}
