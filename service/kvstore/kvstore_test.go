// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package kvstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/cqrpc"
	"github.com/creachadair/cqrpc/internal/rpctest"
	"github.com/creachadair/cqrpc/service/kvstore"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
)

func mustMarshal(t *testing.T, v interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	data, err := v.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return data
}

func TestEncoding(t *testing.T) {
	e := kvstore.Entry{Key: []byte("key"), Value: []byte("some value")}
	var got kvstore.Entry
	if err := got.UnmarshalBinary(mustMarshal(t, e)); err != nil {
		t.Fatalf("Unmarshal entry: %v", err)
	}
	if diff := cmp.Diff(got, e); diff != "" {
		t.Errorf("Entry (-got, +want):\n%s", diff)
	}

	keys := kvstore.Keys{[]byte("a"), []byte("bb"), []byte("ccc")}
	var gotKeys kvstore.Keys
	if err := gotKeys.UnmarshalBinary(mustMarshal(t, keys)); err != nil {
		t.Fatalf("Unmarshal keys: %v", err)
	}
	if diff := cmp.Diff(gotKeys, keys); diff != "" {
		t.Errorf("Keys (-got, +want):\n%s", diff)
	}

	if err := new(kvstore.Entry).UnmarshalBinary([]byte{0x7f}); err == nil {
		t.Error("Unmarshal truncated entry: got nil, want error")
	}
}

func TestOpen(t *testing.T) {
	if _, err := kvstore.Open(kvstore.Options{}, testr.New(t)); err == nil {
		t.Error("Open without a directory: got nil, want error")
	}

	dir := t.TempDir()
	st, err := kvstore.Open(kvstore.Options{Dir: dir, SyncWrites: true}, testr.New(t))
	if err != nil {
		t.Fatalf("Open %q: %v", dir, err)
	}
	ctx := context.Background()
	if err := st.Put(ctx, kvstore.Entry{Key: []byte("k"), Value: []byte("v")}); err != nil {
		t.Errorf("Put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The value persists across a reopen.
	st, err = kvstore.Open(kvstore.Options{Dir: dir}, testr.New(t))
	if err != nil {
		t.Fatalf("Reopen %q: %v", dir, err)
	}
	defer st.Close()
	if got, err := st.Get(ctx, []byte("k")); err != nil || string(got) != "v" {
		t.Errorf("Get: got (%q, %v), want v", got, err)
	}
}

func TestService(t *testing.T) {
	st, err := kvstore.Open(kvstore.Options{InMemory: true, MaxActiveRPCs: 4}, testr.New(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	srv := cqrpc.NewServer(cqrpc.Options{LocalhostOnly: true, NumThreads: 2, Logger: testr.New(t)})
	srv.RegisterService(st.Service(), false)
	if err := srv.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer srv.Shutdown()

	cli, err := rpctest.Dial(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()
	ctx := context.Background()

	call := func(method string, data []byte) ([]byte, error) {
		rsp, err := cli.Call(ctx, "kv/"+method, data)
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}
	errCode := func(err error) int {
		var ce *rpctest.CallError
		if errors.As(err, &ce) {
			return int(ce.Code)
		}
		return -1
	}

	for _, kv := range [][2]string{{"apple", "red"}, {"avocado", "green"}, {"banana", "yellow"}} {
		e := kvstore.Entry{Key: []byte(kv[0]), Value: []byte(kv[1])}
		if _, err := call("Put", mustMarshal(t, e)); err != nil {
			t.Fatalf("Put %q: %v", kv[0], err)
		}
	}

	if got, err := call("Get", []byte("banana")); err != nil {
		t.Errorf("Get: unexpected error: %v", err)
	} else if string(got) != "yellow" {
		t.Errorf("Get: got %q, want yellow", got)
	}

	data, err := call("List", []byte("a"))
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	var keys kvstore.Keys
	if err := keys.UnmarshalBinary(data); err != nil {
		t.Fatalf("Decode keys: %v", err)
	}
	if diff := cmp.Diff(keys, kvstore.Keys{[]byte("apple"), []byte("avocado")}); diff != "" {
		t.Errorf("List (-got, +want):\n%s", diff)
	}

	if _, err := call("Delete", []byte("apple")); err != nil {
		t.Errorf("Delete: unexpected error: %v", err)
	}
	if _, err := call("Get", []byte("apple")); errCode(err) != kvstore.CodeNotFound {
		t.Errorf("Get deleted key: got %v, want code %d", err, kvstore.CodeNotFound)
	}
	if _, err := call("Get", nil); errCode(err) != kvstore.CodeInvalidKey {
		t.Errorf("Get empty key: got %v, want code %d", err, kvstore.CodeInvalidKey)
	}
}
