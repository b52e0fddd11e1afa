// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktclass-exporter-ebpf/internal/counter"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

type staticSource struct {
	entries []types.Record
	err     error
}

func (s staticSource) ReadAll(context.Context) ([]types.Record, Stats, error) {
	return s.entries, Stats{Resident: len(s.entries)}, s.err
}

func TestReaderSortsEntries(t *testing.T) {
	src := staticSource{entries: []types.Record{
		{Key: 3, Entry: types.Entry{Packets: 1, Bytes: 30}},
		{Key: 1, Entry: types.Entry{Packets: 2, Bytes: 10}},
	}}
	r := NewReader(src)
	tick := time.Unix(100, 0)
	r.now = func() time.Time { tick = tick.Add(time.Millisecond); return tick }

	rep, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Key(1), rep.Entries[0].Key)
	assert.Equal(t, types.Key(3), rep.Entries[1].Key)
	assert.Equal(t, time.Millisecond, rep.Duration)
	assert.Equal(t, types.Entry{Packets: 3, Bytes: 40}, rep.Total())
}

func TestReaderWrapsSourceError(t *testing.T) {
	boom := errors.New("map gone")
	_, err := NewReader(staticSource{err: boom}).ReadAll(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTableSource(t *testing.T) {
	tbl, err := counter.New(2)
	require.NoError(t, err)
	src := TableSource{Table: tbl}
	r := NewReader(src)
	ctx := context.Background()

	tbl.Increment(0xa, 100)
	tbl.Increment(0xb, 200)
	tbl.Increment(0xc, 50)

	rep, err := r.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Entries, 2)
	assert.Equal(t, types.Entry{Packets: 1, Bytes: 50}, rep.Stats.Overflow)
	assert.Equal(t, 2, rep.Stats.Capacity)

	again, err := r.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.Entries, again.Entries, "no increments between reads")

	require.NoError(t, src.Reset(ctx, 0xa))
	assert.ErrorIs(t, src.Reset(ctx, 0xc), ErrUnknownKey)

	require.NoError(t, src.ResetAll(ctx))
	rep, err = r.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Entries)
	assert.True(t, rep.Stats.Overflow.IsZero())
}

func TestTableSourceHonorsCanceledContext(t *testing.T) {
	tbl, err := counter.New(1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewReader(TableSource{Table: tbl}).ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
