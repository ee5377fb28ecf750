// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"

	"github.com/creachadair/cqrpc/wire"
)

// A Handler processes a request from a client.
//
// By default, the error reported by a handler is returned to the caller with
// error code 0 and the text of the error as its message. A handler may return
// a value of concrete type wire.ErrorData or *wire.ErrorData to control the
// error code, message, and auxiliary error data.
type Handler func(context.Context, *wire.Request) ([]byte, error)

// resultCoder is an extension interface an error may implement to override the
// result code reported for the error.
type resultCoder interface{ ResultCode() wire.ResultCode }

// CodeError is an error that reports a specific result code to the caller
// with no additional data.
type CodeError wire.ResultCode

func (c CodeError) Error() string { return wire.ResultCode(c).String() }

// ResultCode implements the extension interface for result codes.
func (c CodeError) ResultCode() wire.ResultCode { return wire.ResultCode(c) }

// Invoke calls h with ctx and req, converting a panic out of the handler into
// an error.
func Invoke(ctx context.Context, h Handler, req *wire.Request) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, req)
}

// NewResponse constructs the response to request id given the data and error
// reported by its handler.
func NewResponse(ctx context.Context, id uint32, data []byte, err error) *wire.Response {
	rsp := &wire.Response{RequestID: id}
	if ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded {
		// N.B. Only do this for the unwrapped sentinel errors.

		// If the context terminated, treat this as a cancellation even if the
		// handler succeeded. This usually means the connection closed while
		// the handler was running.

		rsp.Code = wire.CodeCanceled
	} else if err == nil {
		rsp.Code = wire.CodeSuccess
		rsp.Data = data
	} else if rc, ok := err.(resultCoder); ok {
		rsp.Code = rc.ResultCode()
		rsp.Data = data
	} else if ed, ok := err.(*wire.ErrorData); ok {
		rsp.Code = wire.CodeServiceError
		rsp.Data = ed.Encode()
	} else if ed, ok := err.(wire.ErrorData); ok {
		rsp.Code = wire.CodeServiceError
		rsp.Data = ed.Encode()
	} else {
		rsp.Code = wire.CodeServiceError
		rsp.Data = wire.ErrorData{Message: err.Error()}.Encode()
	}
	return rsp
}
