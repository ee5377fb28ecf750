// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cqrpc

import "fmt"

// A callTag identifies one call in the call table of its queue. A tag is
// valid from when the call is added until it is released; the generation
// distinguishes successive occupants of the same slot.
type callTag struct {
	slot uint32
	gen  uint32
}

func (t callTag) String() string { return fmt.Sprintf("call(%d.%d)", t.slot, t.gen) }

// A callTable holds the live calls of one queue. It is not safe for
// concurrent use; it is owned by the poller of its queue once that poller has
// started.
type callTable struct {
	slots []callSlot
	free  []uint32
	live  int
}

type callSlot struct {
	call *ServerCall // nil if free
	gen  uint32
}

// add inserts c into the table and returns its tag.
func (t *callTable) add(c *ServerCall) callTag {
	var i uint32
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		i = uint32(len(t.slots))
		t.slots = append(t.slots, callSlot{})
	}
	t.slots[i].call = c
	t.live++
	return callTag{slot: i, gen: t.slots[i].gen}
}

// lookup returns the call for tag. It panics if tag does not refer to a
// live call.
func (t *callTable) lookup(tag callTag) *ServerCall {
	if int(tag.slot) >= len(t.slots) {
		panic(fmt.Sprintf("cqrpc: unknown call tag %v", tag))
	}
	s := t.slots[tag.slot]
	if s.call == nil || s.gen != tag.gen {
		panic(fmt.Sprintf("cqrpc: stale call tag %v", tag))
	}
	return s.call
}

// release removes the call for tag from the table. It panics if tag does not
// refer to a live call, so each call is released at most once.
func (t *callTable) release(tag callTag) {
	t.lookup(tag)
	t.slots[tag.slot] = callSlot{gen: tag.gen + 1}
	t.free = append(t.free, tag.slot)
	t.live--
}

// len reports the number of live calls in the table.
func (t *callTable) len() int { return t.live }
