// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/creachadair/cqrpc/packet"
)

// MaxMethodLen is the maximum permitted length in bytes of a method name.
const MaxMethodLen = 1<<16 - 1

// Request is the payload format for a request packet.
type Request struct {
	RequestID uint32
	Method    string
	Token     string // authentication token, empty if none
	Data      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(4 + packet.VLen(len(r.Method)) + packet.VLen(len(r.Token)) + len(r.Data))
	b.Uint32(r.RequestID)
	b.VPutString(r.Method)
	b.VPutString(r.Token)
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	method, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("invalid request method: %w", err)
	} else if len(method) > MaxMethodLen {
		return fmt.Errorf("method name too long (%d > %d bytes)", len(method), MaxMethodLen)
	}
	token, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("invalid request token: %w", err)
	}
	r.RequestID = id
	r.Method = method
	r.Token = token
	if rest := s.Rest(); len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	auth := ""
	if r.Token != "" {
		auth = ", Auth"
	}
	return fmt.Sprintf("Request(ID=%v, Method=%q%s, Data=%+v)", r.RequestID, r.Method, auth, r.Data)
}

// Response is the payload format for a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + len(r.Data)) // 4 request ID, 1 code
	b.Uint32(r.RequestID)
	b.Put(byte(r.Code))
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into a response payload.
func (r *Response) Decode(data []byte) error {
	if len(data) < 5 { // 4 request ID, 1 code
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	id, _ := s.Uint32()
	code, _ := s.Byte()
	if ResultCode(code) > maxResultCode {
		return fmt.Errorf("invalid result code %d", code)
	}
	r.RequestID = id
	r.Code = ResultCode(code)
	if rest := s.Rest(); len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(r.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", r.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", r.Data)
		}
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

// ResultCode describes the result status of a completed call. All result
// codes not defined here are reserved for future use by the protocol.
type ResultCode byte

const (
	CodeSuccess           ResultCode = 0 // Call completed succesfully
	CodeUnknownMethod     ResultCode = 1 // Requested an unknown method
	CodeDuplicateID       ResultCode = 2 // Duplicate request ID
	CodeCanceled          ResultCode = 3 // Call was canceled
	CodeServiceError      ResultCode = 4 // Call failed due to a service error
	CodeUnauthenticated   ResultCode = 5 // Missing or invalid auth token
	CodeResourceExhausted ResultCode = 6 // No capacity to accept the call

	maxResultCode = CodeResourceExhausted
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeUnauthenticated:
		return "UNAUTHENTICATED"
	case CodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Ping is the payload format for ping and pong packets. A pong echoes the
// token of the ping it answers.
type Ping struct {
	Token uint64
}

// Encode encodes the ping data in binary format.
func (p Ping) Encode() []byte {
	var b packet.Builder
	b.Uint64(p.Token)
	return b.Bytes()
}

// Decode decodes data into a ping payload.
func (p *Ping) Decode(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("invalid ping payload (%d bytes)", len(data))
	}
	p.Token, _ = packet.NewScanner(data).Uint64()
	return nil
}

// String returns a human-friendly rendering of the ping.
func (p Ping) String() string { return fmt.Sprintf("Ping(%x)", p.Token) }

// GoAway is the payload format for a go-away packet, sent by a peer that is
// about to close the connection.
type GoAway struct {
	Reason string
}

// Encode encodes the go-away data in binary format.
func (g GoAway) Encode() []byte { return []byte(truncate(g.Reason, 1024)) }

// Decode decodes data into a go-away payload.
func (g *GoAway) Decode(data []byte) error {
	if !utf8.Valid(data) {
		return errors.New("go-away reason is not valid UTF-8")
	}
	g.Reason = string(data)
	return nil
}

// String returns a human-friendly rendering of the go-away.
func (g GoAway) String() string { return fmt.Sprintf("GoAway(%q)", g.Reason) }

// ErrorData is the response data format for a service error response.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. This can be used by method handlers to control the error code
// and auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)

	var b packet.Builder
	b.Grow(4 + len(msg) + len(e.Data)) // 2 code, 2 length
	b.Uint16(e.Code)
	b.Uint16(uint16(len(msg)))
	b.PutString(msg)
	b.Put(e.Data...)
	return b.Bytes()
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes. If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// Decode decodes data into an error data payload.
func (e *ErrorData) Decode(data []byte) error {
	// Special case: An empty message is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := packet.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}
	mlen, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}
	msg, err := packet.Get[string](s, int(mlen))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+int(mlen), len(data))
	} else if !utf8.ValidString(msg) {
		return errors.New("error message is not valid UTF-8")
	}
	e.Code = code
	e.Message = msg
	if d := s.Rest(); len(d) != 0 {
		e.Data = d
	} else {
		e.Data = nil
	}
	return nil
}
