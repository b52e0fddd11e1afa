// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package types

import "fmt"

// Key identifies a traffic class. Equality is bitwise.
type Key uint32

// DefaultKey is the class for packets whose metadata could not be classified.
const DefaultKey Key = 0

// Entry is the counter pair kept per key. Both fields wrap on overflow.
type Entry struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Add returns e with o added field by field.
func (e Entry) Add(o Entry) Entry {
	return Entry{Packets: e.Packets + o.Packets, Bytes: e.Bytes + o.Bytes}
}

// IsZero reports whether both counters are zero.
func (e Entry) IsZero() bool {
	return e.Packets == 0 && e.Bytes == 0
}

// Record is one (key, counters) row of a snapshot.
type Record struct {
	Key Key `json:"key"`
	Entry
}

type Direction uint8

const (
	DirRX Direction = 0
	DirTX Direction = 1
)

func (d Direction) String() string {
	if d == DirTX {
		return "tx"
	}
	return "rx"
}

// Metadata describes one observed packet. Data holds the link-layer frame as
// captured and may be shorter than Len.
type Metadata struct {
	Ifindex uint32
	Dir     Direction
	Len     uint32
	Data    []byte
}

// Verdict values match the TC action codes returned by a classifier.
type Verdict int32

const (
	VerdictContinue Verdict = 0 // TC_ACT_OK
	VerdictDrop     Verdict = 2 // TC_ACT_SHOT
	VerdictRedirect Verdict = 7 // TC_ACT_REDIRECT
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictDrop:
		return "drop"
	case VerdictRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("verdict(%d)", int32(v))
	}
}

// KernelKey matches the key layout of counter_map in package bpf.
type KernelKey struct {
	Ifindex uint32
	Dir     uint32
}

// KernelValue matches the value layout of counter_map in package bpf.
type KernelValue struct {
	Packets uint64
	Bytes   uint64
}

// Indices into stats_map.
const (
	StatPacketsSeen   = 0
	StatNewKeys       = 1
	StatOverflow      = 2
	StatOverflowBytes = 3
	NumStats          = 4
)
