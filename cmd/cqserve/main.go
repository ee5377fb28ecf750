// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program cqserve runs a cqrpc server, and provides utilities for its
// configuration and for calling its methods.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/cqrpc"
	"github.com/creachadair/cqrpc/config"
	"github.com/creachadair/cqrpc/internal/logging"
	"github.com/creachadair/cqrpc/internal/rpctest"
	"github.com/creachadair/cqrpc/service/kvstore"
	"github.com/creachadair/flax"
)

var serveFlags struct {
	Config string `flag:"config,Configuration file path (default: search the config directory)"`
}

var initFlags struct {
	Path  string `flag:"path,Output path (default: the default config path)"`
	Force bool   `flag:"force,Overwrite an existing file"`
}

var callFlags struct {
	Addr    string        `flag:"addr,default=localhost:7450,Server address"`
	Token   string        `flag:"token,Authentication token"`
	CACert  string        `flag:"tls-ca,CA certificate file (enables TLS)"`
	Cert    string        `flag:"tls-cert,Client certificate file"`
	Key     string        `flag:"tls-key,Client key file"`
	Timeout time.Duration `flag:"timeout,default=10s,Call timeout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and interact with a cqrpc server.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--config path]",
				Help:     "Run the server until interrupted.",
				SetFlags: bindFlags(&serveFlags),
				Run:      runServe,
			},
			{
				Name: "config",
				Help: "Manage the server configuration.",
				Commands: []*command.C{{
					Name:     "init",
					Help:     "Write a configuration file with default settings.",
					SetFlags: bindFlags(&initFlags),
					Run:      runConfigInit,
				}},
			},
			{
				Name:     "call",
				Usage:    "<method> [data]",
				Help:     "Call a method and print its response data.",
				SetFlags: bindFlags(&callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func bindFlags(v any) func(*command.Env, *flag.FlagSet) {
	return func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, v) }
}

func runServe(env *command.Env) error {
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	opts, err := cfg.ServerOptions(log)
	if err != nil {
		return err
	}

	cqrpc.Init()
	srv := cqrpc.NewServer(opts)

	if _, ok := cfg.Services[kvstore.ServiceName]; ok {
		var kvOpts kvstore.Options
		if err := cfg.ServiceOptions(kvstore.ServiceName, &kvOpts); err != nil {
			return err
		}
		st, err := kvstore.Open(kvOpts, log)
		if err != nil {
			return err
		}
		defer st.Close()
		srv.RegisterService(st.Service(), st.TokenAuth())
	}

	ctx, stop := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(); err != nil {
		var be *cqrpc.BindError
		if errors.As(err, &be) {
			return fmt.Errorf("cannot listen on port %d: %w", be.Port, be.Err)
		}
		return err
	}
	<-ctx.Done()
	log.Info("received signal, shutting down")
	srv.Shutdown()
	return nil
}

func runConfigInit(env *command.Env) error {
	path := initFlags.Path
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.WriteDefault(path, initFlags.Force); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote default configuration to %s\n", path)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Wrong number of arguments")
	}
	var data []byte
	if len(env.Args) == 2 {
		data = []byte(env.Args[1])
	}

	cli, err := dialServer(env.Context())
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()
	rsp, err := cli.CallToken(ctx, env.Args[0], callFlags.Token, data)
	if err != nil {
		return err
	}
	os.Stdout.Write(rsp.Data)
	return nil
}

func dialServer(ctx context.Context) (*rpctest.Client, error) {
	if callFlags.CACert == "" {
		return rpctest.Dial(ctx, "tcp", callFlags.Addr, nil, nil)
	}
	ca, err := os.ReadFile(callFlags.CACert)
	if err != nil {
		return nil, err
	}
	var cert rpctest.PEM
	if cert.Cert, err = os.ReadFile(callFlags.Cert); err != nil {
		return nil, err
	}
	if cert.Key, err = os.ReadFile(callFlags.Key); err != nil {
		return nil, err
	}
	cfg, err := rpctest.ClientConfig(ca, cert)
	if err != nil {
		return nil, err
	}
	return rpctest.Dial(ctx, "tcp", callFlags.Addr, cfg, nil)
}
