// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build !(linux || darwin)

package transport

import "syscall"

func socketControl(int) func(string, string, syscall.RawConn) error { return nil }
