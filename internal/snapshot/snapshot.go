// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package snapshot is the control-plane read path over a counter source.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pktclass-exporter-ebpf/internal/counter"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

var ErrUnknownKey = errors.New("key not resident")

// Stats is the source-level summary attached to every report.
type Stats = counter.Stats

// Source yields every resident entry. Implementations must not block the
// packet path while reading.
type Source interface {
	ReadAll(ctx context.Context) ([]types.Record, Stats, error)
}

// Resetter zeroes entries on behalf of the control plane.
type Resetter interface {
	Reset(ctx context.Context, key types.Key) error
	ResetAll(ctx context.Context) error
}

// Report is one read of a source.
type Report struct {
	Taken    time.Time      `json:"taken"`
	Duration time.Duration  `json:"duration_ns"`
	Entries  []types.Record `json:"entries"`
	Stats    Stats          `json:"stats"`
}

// Total sums all entries, excluding the overflow.
func (r Report) Total() types.Entry {
	var t types.Entry
	for _, e := range r.Entries {
		t = t.Add(e.Entry)
	}
	return t
}

type Reader struct {
	src Source
	now func() time.Time
}

func NewReader(src Source) *Reader {
	return &Reader{src: src, now: time.Now}
}

// ReadAll reads the source and returns entries ordered by key.
func (r *Reader) ReadAll(ctx context.Context) (Report, error) {
	start := r.now()
	entries, st, err := r.src.ReadAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read counters: %w", err)
	}
	if !slices.IsSortedFunc(entries, byKey) {
		slices.SortFunc(entries, byKey)
	}
	rep := Report{
		Taken:    start,
		Duration: r.now().Sub(start),
		Entries:  entries,
		Stats:    st,
	}
	slog.Debug("snapshot read", "entries", len(entries), "overflow_packets", st.Overflow.Packets, "duration", rep.Duration)
	return rep, nil
}

func byKey(x, y types.Record) int {
	switch {
	case x.Key < y.Key:
		return -1
	case x.Key > y.Key:
		return 1
	}
	return 0
}

// TableSource exposes an in-process counter table as a Source and Resetter.
type TableSource struct {
	Table *counter.Table
}

func (s TableSource) ReadAll(ctx context.Context) ([]types.Record, Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, Stats{}, err
	}
	return s.Table.Snapshot(), s.Table.Stats(), nil
}

func (s TableSource) Reset(_ context.Context, key types.Key) error {
	if _, ok := s.Table.Reset(key); !ok {
		return fmt.Errorf("reset key %d: %w", uint32(key), ErrUnknownKey)
	}
	return nil
}

func (s TableSource) ResetAll(context.Context) error {
	prev := s.Table.ResetAll()
	slog.Info("counter table reset", "discarded_overflow_packets", prev.Packets)
	return nil
}
