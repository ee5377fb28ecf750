// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package kvstore implements a key-value service backed by a Badger
// database.
//
// The service is named "kv" and has these methods:
//
//   - kv/Get: the request data is a key; the response is its value
//   - kv/Put: the request data is an encoded [Entry]
//   - kv/Delete: the request data is a key
//   - kv/List: the request data is a prefix; the response is an encoded [Keys]
//
// Writes are offloaded from the pollers, since they may block on disk.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/cqrpc"
	"github.com/creachadair/cqrpc/handler"
	"github.com/creachadair/cqrpc/packet"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

// ServiceName is the name of the key-value service.
const ServiceName = "kv"

// Error codes reported in the ErrorData of a failed call.
const (
	CodeNotFound   = 404
	CodeInvalidKey = 400
)

// Options are the settings for a [Store]. They are typically decoded from
// the "services.kv" section of the server configuration.
type Options struct {
	// Dir is the database directory. It is ignored if InMemory is true.
	Dir string `mapstructure:"dir"`

	InMemory   bool `mapstructure:"in_memory"`
	SyncWrites bool `mapstructure:"sync_writes"`

	// MaxActiveRPCs bounds the concurrently active calls of each method.
	// Zero means no limit.
	MaxActiveRPCs int `mapstructure:"max_active_rpcs"`

	// If true, requests must carry the cluster ID of the server.
	TokenAuth bool `mapstructure:"token_auth"`

	// BlockCacheMB is the size of the block cache in MiB. If zero, the
	// Badger default is used.
	BlockCacheMB int64 `mapstructure:"block_cache_mb"`
}

// A Store is a key-value store served over cqrpc.
type Store struct {
	db   *badger.DB
	opts Options
}

// Open opens the database described by opts.
func Open(opts Options, log logr.Logger) (*Store, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, errors.New("kvstore: no database directory")
	}
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).WithLogger(badgerLogger{log.WithName("badger")})
	if opts.BlockCacheMB > 0 {
		bo = bo.WithBlockCacheSize(opts.BlockCacheMB << 20)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// TokenAuth reports whether the service requires token authentication.
func (s *Store) TokenAuth() bool { return s.opts.TokenAuth }

// Service returns a description of the key-value service.
func (s *Store) Service() cqrpc.ServiceDesc {
	return cqrpc.ServiceDesc{
		Name: ServiceName,
		Methods: []cqrpc.MethodDesc{
			{Name: "Get", Handler: handler.ParamResultError(s.Get), MaxActiveRPCs: s.opts.MaxActiveRPCs},
			{Name: "Put", Handler: handler.ParamError(s.Put), MaxActiveRPCs: s.opts.MaxActiveRPCs, Offload: true},
			{Name: "Delete", Handler: handler.ParamError(s.Delete), MaxActiveRPCs: s.opts.MaxActiveRPCs, Offload: true},
			{Name: "List", Handler: handler.ParamResultError(s.List), MaxActiveRPCs: s.opts.MaxActiveRPCs},
		},
	}
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return cqrpc.ErrorData{Code: CodeInvalidKey, Message: "empty key"}
	}
	return nil
}

// Get returns the value stored for key.
func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, cqrpc.ErrorData{Code: CodeNotFound, Message: "key not found", Data: key}
	}
	return val, err
}

// Put stores the value of e under its key, replacing any existing value.
func (s *Store) Put(_ context.Context, e Entry) error {
	if err := checkKey(e.Key); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(e.Key, e.Value)
	})
}

// Delete removes key from the store. Deleting a key that is not present is
// not an error.
func (s *Store) Delete(_ context.Context, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
}

// List returns the keys with the given prefix in order.
func (s *Store) List(ctx context.Context, prefix []byte) (Keys, error) {
	var keys Keys
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// An Entry is the request data for a Put call.
type Entry struct {
	Key, Value []byte
}

// MarshalBinary encodes e as a length-prefixed key followed by the value.
func (e Entry) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Grow(packet.VLen(len(e.Key)) + len(e.Value))
	b.VPut(e.Key)
	b.Put(e.Value...)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data into e.
func (e *Entry) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	key, err := packet.VGet[[]byte](s)
	if err != nil {
		return fmt.Errorf("invalid entry key: %w", err)
	}
	e.Key = bytes.Clone(key)
	e.Value = bytes.Clone(s.Rest())
	return nil
}

// Keys is the response data for a List call.
type Keys [][]byte

// MarshalBinary encodes k as a sequence of length-prefixed keys.
func (k Keys) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	for _, key := range k {
		b.VPut(key)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data into k.
func (k *Keys) UnmarshalBinary(data []byte) error {
	*k = nil
	s := packet.NewScanner(data)
	for s.Len() > 0 {
		key, err := packet.VGet[[]byte](s)
		if err != nil {
			return fmt.Errorf("invalid key at offset %d: %w", s.Offset(), err)
		}
		*k = append(*k, bytes.Clone(key))
	}
	return nil
}

// badgerLogger adapts a logr.Logger to the logging interface of Badger.
// Badger's info and debug chatter is logged at V(1).
type badgerLogger struct{ log logr.Logger }

func (b badgerLogger) Errorf(msg string, args ...any) {
	b.log.Error(nil, fmt.Sprintf(msg, args...))
}

func (b badgerLogger) Warningf(msg string, args ...any) {
	b.log.Info(fmt.Sprintf(msg, args...), "level", "warning")
}

func (b badgerLogger) Infof(msg string, args ...any) { b.log.V(1).Info(fmt.Sprintf(msg, args...)) }

func (b badgerLogger) Debugf(msg string, args ...any) { b.log.V(2).Info(fmt.Sprintf(msg, args...)) }
