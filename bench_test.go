// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cqrpc_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/creachadair/cqrpc"
	"github.com/creachadair/cqrpc/internal/rpctest"
	"github.com/go-logr/logr"
)

func noop(context.Context, *cqrpc.Request) ([]byte, error) { return nil, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	for _, threads := range []int{1, 4} {
		b.Run(fmt.Sprintf("Queues-%d", threads), func(b *testing.B) {
			s := cqrpc.NewServer(cqrpc.Options{
				LocalhostOnly: true,
				NumThreads:    threads,
				Logger:        logr.Discard(),
			})
			s.RegisterService(cqrpc.ServiceDesc{
				Name: "bench",
				Methods: []cqrpc.MethodDesc{
					{Name: "Noop", Handler: noop, MaxActiveRPCs: 64},
					{Name: "Echo", Handler: echo},
					{Name: "EchoOffload", Handler: echo, Offload: true},
				},
			}, false)
			if err := s.Run(); err != nil {
				b.Fatalf("Run: %v", err)
			}
			defer s.Shutdown()

			cli, err := rpctest.Dial(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), nil, nil)
			if err != nil {
				b.Fatalf("Dial: %v", err)
			}
			defer cli.Close()

			b.Run("noop", func(b *testing.B) { runBench(b, cli, "bench/Noop", nil) })
			b.Run("echo", func(b *testing.B) { runBench(b, cli, "bench/Echo", payload) })
			b.Run("echo-offload", func(b *testing.B) { runBench(b, cli, "bench/EchoOffload", payload) })
		})
	}
}

func runBench(b *testing.B, cli *rpctest.Client, method string, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := cli.Call(ctx, method, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}
