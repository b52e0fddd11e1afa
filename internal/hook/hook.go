// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package hook is the per-packet entrypoint: classify, count, decide.
package hook

import (
	"sync/atomic"

	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/counter"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

// Policy decides the verdict of a packet once it has been counted.
// Implementations run on the hot path and must not block.
type Policy interface {
	Decide(key types.Key, md types.Metadata) types.Verdict
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(key types.Key, md types.Metadata) types.Verdict

func (f PolicyFunc) Decide(key types.Key, md types.Metadata) types.Verdict { return f(key, md) }

// ContinuePolicy lets every packet through.
type ContinuePolicy struct{}

func (ContinuePolicy) Decide(types.Key, types.Metadata) types.Verdict { return types.VerdictContinue }

type Option func(*Entrypoint)

// WithPolicy replaces the default ContinuePolicy.
func WithPolicy(p Policy) Option {
	return func(e *Entrypoint) {
		if p != nil {
			e.policy = p
		}
	}
}

// Entrypoint is safe for concurrent use by any number of packet sources.
type Entrypoint struct {
	table  *counter.Table
	mode   classify.Mode
	policy Policy

	cont, drop, redirect, other atomic.Uint64
}

func New(table *counter.Table, mode classify.Mode, opts ...Option) *Entrypoint {
	e := &Entrypoint{table: table, mode: mode, policy: ContinuePolicy{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Entrypoint) Mode() classify.Mode { return e.mode }

func (e *Entrypoint) Table() *counter.Table { return e.table }

// Handle accounts one packet and returns its verdict.
func (e *Entrypoint) Handle(md types.Metadata) types.Verdict {
	key := classify.Extract(e.mode, md)
	e.table.Increment(key, uint64(md.Len))
	v := e.policy.Decide(key, md)
	switch v {
	case types.VerdictContinue:
		e.cont.Add(1)
	case types.VerdictDrop:
		e.drop.Add(1)
	case types.VerdictRedirect:
		e.redirect.Add(1)
	default:
		e.other.Add(1)
	}
	return v
}

// Verdicts returns how many packets received each verdict. Unknown verdict
// values returned by a policy are tallied under -1.
func (e *Entrypoint) Verdicts() map[types.Verdict]uint64 {
	out := map[types.Verdict]uint64{
		types.VerdictContinue: e.cont.Load(),
		types.VerdictDrop:     e.drop.Load(),
		types.VerdictRedirect: e.redirect.Load(),
	}
	if n := e.other.Load(); n > 0 {
		out[-1] = n
	}
	return out
}
