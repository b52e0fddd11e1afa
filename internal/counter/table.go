// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package counter implements a fixed-capacity table of per-key packet and
// byte counters that many goroutines may update at once without locks.
//
// Keys live in an open-addressed arena sized to at least twice the capacity,
// so a linear scan always reaches a free slot. A slot's key is published with a
// single compare-and-swap and is never removed; counters are updated with
// atomic adds. Resetting the whole table swaps in a fresh arena.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

var ErrInvalidCapacity = errors.New("counter table capacity must be > 0")

// MaxCapacity bounds the arena to 2^31 slots.
const MaxCapacity = 1 << 30

// Slot word layout: the key in the low 32 bits plus state flags. A claimed
// slot is pending until the resident count admits it; a slot that claimed a
// key after the table filled up is rejected and its counts belong to the
// overflow.
const (
	occupied = uint64(1) << 32
	pending  = uint64(1) << 33
	rejected = uint64(1) << 34
	keyMask  = occupied | 0xffffffff
)

type slot struct {
	word    atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
	_       [8]byte
}

type arena struct {
	slots    []slot
	mask     uint64
	resident atomic.Int64
	newKeys  atomic.Uint64
	overflow struct {
		packets atomic.Uint64
		bytes   atomic.Uint64
	}
}

func newArena(size uint64) *arena {
	return &arena{slots: make([]slot, size), mask: size - 1}
}

// Table maps classification keys to counters. The zero value is not usable;
// call New.
type Table struct {
	capacity   int64
	size       uint64
	cur        atomic.Pointer[arena]
	generation atomic.Uint64
}

// Stats summarizes the table for monitoring.
type Stats struct {
	Capacity   int         `json:"capacity"`
	Resident   int         `json:"resident"`
	NewKeys    uint64      `json:"new_keys"`
	Overflow   types.Entry `json:"overflow"`
	Generation uint64      `json:"generation"`
}

func New(capacity int) (*Table, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidCapacity, capacity)
	}
	size := uint64(1) << bits.Len64(uint64(capacity)*2-1)
	t := &Table{capacity: int64(capacity), size: size}
	t.cur.Store(newArena(size))
	return t, nil
}

func (t *Table) Capacity() int { return int(t.capacity) }

// Len returns the number of resident keys.
func (t *Table) Len() int { return int(t.cur.Load().resident.Load()) }

func hash(key types.Key) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(key))
	return xxhash.Sum64(b[:])
}

func (s *slot) add(byteLen uint64) {
	s.packets.Add(1)
	s.bytes.Add(byteLen)
}

// Increment adds one packet of byteLen bytes to key. It never blocks and
// never fails: when the table is full and key is not resident the packet is
// added to the overflow counter.
func (t *Table) Increment(key types.Key, byteLen uint64) {
	a := t.cur.Load()
	want := occupied | uint64(key)
	i := hash(key) & a.mask
	for n := uint64(0); n <= a.mask; n++ {
		s := &a.slots[i]
		w := s.word.Load()
		if w == 0 {
			if a.resident.Load() >= t.capacity {
				break
			}
			if s.word.CompareAndSwap(0, want|pending) {
				a.admit(s, want, t.capacity)
				s.add(byteLen)
				return
			}
			// Lost the claim. The winner may have inserted the same key.
			w = s.word.Load()
		}
		if w&keyMask == want {
			s.add(byteLen)
			return
		}
		i = (i + 1) & a.mask
	}
	a.overflow.packets.Add(1)
	a.overflow.bytes.Add(byteLen)
}

// admit settles a freshly claimed slot. Only the claiming goroutine calls it,
// so the resident count never includes losers of a claim race.
func (a *arena) admit(s *slot, want uint64, capacity int64) {
	if a.resident.Add(1) > capacity {
		a.resident.Add(-1)
		s.word.Store(want | rejected)
		return
	}
	a.newKeys.Add(1)
	s.word.Store(want)
}

func (a *arena) find(key types.Key) *slot {
	want := occupied | uint64(key)
	i := hash(key) & a.mask
	for n := uint64(0); n <= a.mask; n++ {
		s := &a.slots[i]
		switch s.word.Load() {
		case want:
			return s
		case 0:
			return nil
		}
		i = (i + 1) & a.mask
	}
	return nil
}

// Lookup returns the counters of key. Absent keys report false and zero
// counters.
func (t *Table) Lookup(key types.Key) (types.Entry, bool) {
	s := t.cur.Load().find(key)
	if s == nil {
		return types.Entry{}, false
	}
	return types.Entry{Packets: s.packets.Load(), Bytes: s.bytes.Load()}, true
}

// Snapshot returns every resident key ordered by key. Entries are read one
// at a time and are not consistent with each other.
func (t *Table) Snapshot() []types.Record {
	a := t.cur.Load()
	out := make([]types.Record, 0, a.resident.Load())
	for i := range a.slots {
		s := &a.slots[i]
		w := s.word.Load()
		if w&occupied == 0 || w&(pending|rejected) != 0 {
			continue
		}
		out = append(out, types.Record{
			Key:   types.Key(uint32(w)),
			Entry: types.Entry{Packets: s.packets.Load(), Bytes: s.bytes.Load()},
		})
	}
	slices.SortFunc(out, func(x, y types.Record) int {
		switch {
		case x.Key < y.Key:
			return -1
		case x.Key > y.Key:
			return 1
		}
		return 0
	})
	return out
}

// Overflow returns the counters of packets that found the table full.
func (t *Table) Overflow() types.Entry {
	return t.cur.Load().overflowed()
}

func (a *arena) overflowed() types.Entry {
	e := types.Entry{Packets: a.overflow.packets.Load(), Bytes: a.overflow.bytes.Load()}
	for i := range a.slots {
		s := &a.slots[i]
		if s.word.Load()&rejected != 0 {
			e.Packets += s.packets.Load()
			e.Bytes += s.bytes.Load()
		}
	}
	return e
}

func (t *Table) Stats() Stats {
	a := t.cur.Load()
	return Stats{
		Capacity:   int(t.capacity),
		Resident:   int(a.resident.Load()),
		NewKeys:    a.newKeys.Load(),
		Overflow:   a.overflowed(),
		Generation: t.generation.Load(),
	}
}

// Reset zeroes the counters of key and returns what they held. The key stays
// resident. It reports false when key was never observed.
func (t *Table) Reset(key types.Key) (types.Entry, bool) {
	s := t.cur.Load().find(key)
	if s == nil {
		return types.Entry{}, false
	}
	return types.Entry{Packets: s.packets.Swap(0), Bytes: s.bytes.Swap(0)}, true
}

// ResetAll discards every entry and the overflow counter by swapping in an
// empty arena. It returns the overflow counters of the discarded arena.
// Increments racing with the swap may land in the discarded arena.
func (t *Table) ResetAll() types.Entry {
	old := t.cur.Swap(newArena(t.size))
	t.generation.Add(1)
	return old.overflowed()
}
