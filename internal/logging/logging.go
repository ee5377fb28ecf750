// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs the structured loggers used by cqrpc commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control the construction of a logger.
type Options struct {
	Level  string    // debug, info, warn, error; default info
	Format string    // text or json; default text
	Output io.Writer // default os.Stderr
}

// New returns a logr.Logger backed by zap with the given options.
// Verbosity level 1 (logr V(1)) is enabled by the "debug" level.
func New(opts Options) (logr.Logger, error) {
	name := strings.ToLower(opts.Level)
	if name == "" {
		name = "info"
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level %q", opts.Level)
	}

	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "text":
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	case "json":
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return logr.Logger{}, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var w io.Writer = os.Stderr
	if opts.Output != nil {
		w = opts.Output
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zap.NewAtomicLevelAt(lvl))
	return zapr.NewLogger(zap.New(core)), nil
}
