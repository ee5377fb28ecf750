// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build linux || darwin

package transport

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl returns a control function that disables port reuse on the
// listening socket and, if wbuf > 0, sets its send buffer size. Accepted
// connections inherit the send buffer size.
func socketControl(wbuf int) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		if !strings.HasPrefix(network, "tcp") {
			return nil
		}
		var serr error
		err := rc.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 0)
			if serr == nil && wbuf > 0 {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, wbuf)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
