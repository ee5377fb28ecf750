// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a description of the methods served by a cqrpc
// server. A server with reflection enabled encodes its catalog as the
// response to a reflection request, and a client can decode it to discover
// the methods it may call.
//
// # Usage
//
// Construct a new empty catalog and add methods to it:
//
//	cat := catalog.New().
//	   Add(catalog.Entry{Name: "kv/Get", MaxActiveRPCs: 8}).
//	   Add(catalog.Entry{Name: "kv/Put", TokenAuth: true})
//
// To recover an entry, use Lookup:
//
//	e, ok := cat.Lookup("kv/Get")
//
// A Catalog provides a Handler method that serves the encoded catalog:
//
//	srv.Handle("catalog", cat.Handler)
package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/creachadair/cqrpc/wire"
	"github.com/creachadair/mds/mapset"
)

// An Entry describes one method.
type Entry struct {
	Name string

	// MaxActiveRPCs is the limit on concurrently active calls to the method,
	// or -1 if there is no limit.
	MaxActiveRPCs int

	TokenAuth bool // requests must carry the cluster token
	Raw       bool // handled directly by the transport
	Offload   bool // handler runs off the poller
}

// Flag bits of the encoded record of an entry.
const (
	flagTokenAuth = 1 << iota
	flagRaw
	flagOffload
)

const recordLen = 8 // 4 limit, 4 flags

func (e Entry) flags() (f uint32) {
	if e.TokenAuth {
		f |= flagTokenAuth
	}
	if e.Raw {
		f |= flagRaw
	}
	if e.Offload {
		f |= flagOffload
	}
	return
}

// A Catalog is a collection of method entries keyed by name.
type Catalog struct {
	methods map[string]Entry
}

// New creates a new empty catalog. It is safe to copy the resulting value,
// all copies share a reference to the same entries.
func New() Catalog { return Catalog{methods: make(map[string]Entry)} }

// Add adds e to c, replacing any existing entry with the same name, and
// returns c to allow chaining.
//
// It is not safe to call Add while c is used concurrently by other
// goroutines without external synchronization.
func (c Catalog) Add(e Entry) Catalog {
	if e.MaxActiveRPCs <= 0 {
		e.MaxActiveRPCs = -1
	}
	c.methods[e.Name] = e
	return c
}

// Lookup returns the entry for name, and reports whether it was found.
func (c Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.methods[name]
	return e, ok
}

// Len reports the number of entries in c.
func (c Catalog) Len() int { return len(c.methods) }

// Names returns the names of the methods in c in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entries returns the entries of c ordered by name.
func (c Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.methods))
	for _, name := range c.Names() {
		out = append(out, c.methods[name])
	}
	return out
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods in
// lexicographic order, followed by the corresponding method records in the
// reverse order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each record is a big-endian int32 limit on active calls
// followed by a big-endian uint32 of flag bits.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	names := c.Names()
	var nlen int
	for _, name := range names {
		nlen += 2 + len(name) // +2 for length tag
	}
	buf := make([]byte, nlen+recordLen*len(names))
	npos, mpos := 0, len(buf)
	putName := func(s string) {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(s)))
		npos += 2
		npos += copy(buf[npos:], s)
	}
	putRecord := func(e Entry) {
		mpos -= recordLen
		binary.BigEndian.PutUint32(buf[mpos:], uint32(int32(e.MaxActiveRPCs)))
		binary.BigEndian.PutUint32(buf[mpos+4:], e.flags())
	}

	for _, name := range names {
		putName(name)
		putRecord(c.methods[name])
	}
	return buf
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.methods == nil {
		c.methods = make(map[string]Entry)
	} else {
		clear(c.methods)
	}
	seen := mapset.New[string]()
	npos, mpos := 0, len(data)
	for {
		if npos == mpos {
			break
		} else if npos+2 > len(data) || npos > mpos {
			return fmt.Errorf("truncated catalog at offset %d", npos)
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}

		mpos -= recordLen
		if mpos < npos+nlen {
			return fmt.Errorf("truncated record at offset %d", max(mpos, 0))
		}
		limit := int32(binary.BigEndian.Uint32(data[mpos:]))
		flags := binary.BigEndian.Uint32(data[mpos+4:])

		name := string(data[npos : npos+nlen])
		if seen.Has(name) {
			return fmt.Errorf("duplicate method %q", name)
		}
		seen.Add(name)
		c.methods[name] = Entry{
			Name:          name,
			MaxActiveRPCs: int(limit),
			TokenAuth:     flags&flagTokenAuth != 0,
			Raw:           flags&flagRaw != 0,
			Offload:       flags&flagOffload != 0,
		}
		npos += nlen
	}
	return nil
}

// Handler is a handler that reports the contents of the catalog.
func (c Catalog) Handler(_ context.Context, _ *wire.Request) ([]byte, error) {
	return c.Encode(), nil
}
