// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/cqrpc/cq"
	"github.com/creachadair/cqrpc/internal/rpctest"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/go-logr/logr/testr"
)

func noop(context.Context, *Request) ([]byte, error) { return nil, nil }

func TestCallTable(t *testing.T) {
	var tab callTable
	c1, c2 := new(ServerCall), new(ServerCall)
	t1 := tab.add(c1)
	t2 := tab.add(c2)
	if got := tab.len(); got != 2 {
		t.Errorf("Len: got %d, want 2", got)
	}
	if got := tab.lookup(t1); got != c1 {
		t.Errorf("Lookup %v: got %p, want %p", t1, got, c1)
	}

	tab.release(t1)
	if got := tab.len(); got != 1 {
		t.Errorf("Len: got %d, want 1", got)
	}

	// A released tag is stale, even when its slot is reused.
	mtest.MustPanic(t, func() { tab.lookup(t1) })
	mtest.MustPanic(t, func() { tab.release(t1) })

	c3 := new(ServerCall)
	t3 := tab.add(c3)
	if t3.slot != t1.slot {
		t.Errorf("Add: got slot %d, want reused slot %d", t3.slot, t1.slot)
	}
	if t3 == t1 {
		t.Errorf("Add: tag %v reused without a new generation", t3)
	}
	mtest.MustPanic(t, func() { tab.lookup(t1) })
	if got := tab.lookup(t3); got != c3 {
		t.Errorf("Lookup %v: got %p, want %p", t3, got, c3)
	}
	mtest.MustPanic(t, func() { tab.lookup(callTag{slot: 100}) })

	tab.release(t2)
	tab.release(t3)
	if got := tab.len(); got != 0 {
		t.Errorf("Len: got %d, want 0", got)
	}
}

func TestInitialCalls(t *testing.T) {
	tests := []struct {
		max, queues, want int
	}{
		{Unbounded, 1, DefaultBufferSize},
		{Unbounded, 8, DefaultBufferSize},
		{0, 4, DefaultBufferSize},
		{4, 2, 2},
		{5, 2, 2},
		{1, 4, 1},
		{3, 4, 1},
		{100, 1, 100},
	}
	for _, tc := range tests {
		if got := InitialCalls(tc.max, tc.queues); got != tc.want {
			t.Errorf("InitialCalls(%d, %d): got %d, want %d", tc.max, tc.queues, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Pending:      "PENDING",
		Processing:   "PROCESSING",
		SendingReply: "SENDING_REPLY",
		State(9):     "state 9",
	} {
		if got := s.String(); got != want {
			t.Errorf("String %d: got %q, want %q", int(s), got, want)
		}
	}
}

// newTestCall adds a call for f to the table of its queue without arming it.
func newTestCall(f *CallFactory, state State) *ServerCall {
	c := &ServerCall{factory: f, state: state}
	c.tag = f.queue.table.add(c)
	f.live.Add(1)
	return c
}

func TestHandleEvent(t *testing.T) {
	q := &Queue{cq: cq.New()}
	f := q.NewCallFactory("test/Method", MethodDesc{Handler: noop, MaxActiveRPCs: 3}, "")
	if got := f.MaxActiveRPCs(); got != 3 {
		t.Errorf("MaxActiveRPCs: got %d, want 3", got)
	}

	t.Run("PendingFailed", func(t *testing.T) {
		c := newTestCall(f, Pending)
		q.handleEvent(cq.Event{Tag: c.tag, OK: false})
		if got := q.table.len(); got != 0 {
			t.Errorf("Table length: got %d, want 0", got)
		}
		if got := f.Live(); got != 0 {
			t.Errorf("Live: got %d, want 0", got)
		}

		// A second event for the same call is an invariant violation.
		mtest.MustPanic(t, func() {
			q.handleEvent(cq.Event{Tag: c.tag, OK: false})
		})
	})

	t.Run("Processing", func(t *testing.T) {
		c := newTestCall(f, Processing)
		mtest.MustPanic(t, func() {
			q.handleEvent(cq.Event{Tag: c.tag, OK: true})
		})
		q.release(c)
	})

	t.Run("BadTag", func(t *testing.T) {
		mtest.MustPanic(t, func() {
			q.handleEvent(cq.Event{Tag: "bogus", OK: true})
		})
	})

	t.Run("Unbounded", func(t *testing.T) {
		if got := q.NewCallFactory("x", MethodDesc{Handler: noop}, "").MaxActiveRPCs(); got != Unbounded {
			t.Errorf("MaxActiveRPCs: got %d, want %d", got, Unbounded)
		}
	})
}

// waitFor polls cond until it reports true or a timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerDrains(t *testing.T) {
	defer leaktest.Check(t)()

	const numThreads = 3
	s := NewServer(Options{
		Name:          "drain",
		LocalhostOnly: true,
		NumThreads:    numThreads,
		Logger:        testr.New(t),
	})
	s.RegisterService(ServiceDesc{
		Name: "test",
		Methods: []MethodDesc{
			{Name: "Bounded", Handler: noop, MaxActiveRPCs: 6},
			{Name: "Unbounded", Handler: noop},
			{Name: "Offload", Handler: noop, MaxActiveRPCs: 1, Offload: true},
		},
	}, false)
	if err := s.Run(); err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}
	defer s.Shutdown()

	cli, err := rpctest.Dial(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	ctx := context.Background()
	for i := range 30 {
		for _, m := range []string{"test/Bounded", "test/Unbounded", "test/Offload"} {
			if _, err := cli.Call(ctx, m, nil); err != nil {
				t.Fatalf("Call %d %q: unexpected error: %v", i, m, err)
			}
		}
	}

	// Each bounded factory returns to its initial population once its replies
	// are sent, and never exceeds it by more than the one replacement owed.
	for _, q := range s.queues {
		for _, f := range q.factories {
			if f.MaxActiveRPCs() == Unbounded {
				continue
			}
			want := InitialCalls(f.MaxActiveRPCs(), numThreads)
			waitFor(t, fmt.Sprintf("queue %d %q to settle", q.Index(), f.Method()), func() bool {
				return f.Live() == want
			})
		}
	}

	s.Shutdown()
	s.Shutdown() // idempotent

	for _, q := range s.queues {
		if n := q.table.len(); n != 0 {
			t.Errorf("Queue %d: %d calls left in table", q.Index(), n)
		}
		for _, f := range q.factories {
			if n := f.Live(); n != 0 {
				t.Errorf("Queue %d %q: %d live calls after shutdown", q.Index(), f.Method(), n)
			}
		}
		if n := q.cq.Outstanding(); n != 0 {
			t.Errorf("Queue %d: %d operations outstanding", q.Index(), n)
		}
	}
	if p := s.Port(); p != 0 {
		t.Errorf("Port after shutdown: got %d, want 0", p)
	}
}

// logLines is a logr sink that records formatted log lines.
type logLines struct {
	μ     sync.Mutex
	lines []string
}

func (l *logLines) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		l.μ.Lock()
		defer l.μ.Unlock()
		l.lines = append(l.lines, args)
	}, funcr.Options{Verbosity: 1})
}

// find reports whether some recorded line contains all the given strings.
func (l *logLines) find(subs ...string) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
nextLine:
	for _, line := range l.lines {
		for _, sub := range subs {
			if !strings.Contains(line, sub) {
				continue nextLine
			}
		}
		return true
	}
	return false
}

func TestQueueName(t *testing.T) {
	s := NewServer(Options{NumThreads: 3})
	for i, q := range s.queues {
		if got, want := q.Name(), fmt.Sprintf("server.poll%d", i); got != want {
			t.Errorf("Queue %d name: got %q, want %q", i, got, want)
		}
	}
}

func TestServerLogs(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("NoServices", func(t *testing.T) {
		var logs logLines
		s := NewServer(Options{
			Name:          "empty",
			LocalhostOnly: true,
			NumThreads:    2,
			Logger:        logs.logger(),
		})
		if err := s.Run(); err != nil {
			t.Fatalf("Run: unexpected error: %v", err)
		}
		s.Shutdown()

		if !logs.find("no services registered", `"empty"`) {
			t.Errorf("Missing warning for a server with no services:\n%s", strings.Join(logs.lines, "\n"))
		}
		for _, q := range s.queues {
			if !logs.find("poller started", q.Name()) || !logs.find("poller stopped", q.Name()) {
				t.Errorf("Missing poller logs for %q:\n%s", q.Name(), strings.Join(logs.lines, "\n"))
			}
		}
	})

	t.Run("WithServices", func(t *testing.T) {
		var logs logLines
		s := NewServer(Options{
			LocalhostOnly: true,
			NumThreads:    1,
			Logger:        logs.logger(),
		})
		s.RegisterService(ServiceDesc{
			Name:    "test",
			Methods: []MethodDesc{{Name: "Noop", Handler: noop}},
		}, false)
		if err := s.Run(); err != nil {
			t.Fatalf("Run: unexpected error: %v", err)
		}
		s.Shutdown()

		if logs.find("no services registered") {
			t.Error("Unexpected warning for a server with services")
		}
	})
}
