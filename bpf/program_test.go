// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package bpf

import (
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

func TestCollectionSpecShape(t *testing.T) {
	spec := NewCollectionSpec(1024)

	cm := spec.Maps[CounterMapName]
	require.NotNil(t, cm)
	assert.Equal(t, ebpf.Hash, cm.Type)
	assert.Equal(t, uint32(8), cm.KeySize)
	assert.Equal(t, uint32(16), cm.ValueSize)
	assert.Equal(t, uint32(1024), cm.MaxEntries)

	sm := spec.Maps[StatsMapName]
	require.NotNil(t, sm)
	assert.Equal(t, ebpf.PerCPUArray, sm.Type)
	assert.Equal(t, uint32(types.NumStats), sm.MaxEntries)

	for _, name := range []string{IngressProgramName, EgressProgramName} {
		p := spec.Programs[name]
		require.NotNil(t, p, name)
		assert.Equal(t, ebpf.SchedCLS, p.Type)
		assert.Equal(t, "GPL", p.License)
	}
}

func TestClassifierReferencesAndLabels(t *testing.T) {
	insns := classifier(types.DirTX)

	symbols := map[string]bool{}
	maps := map[string]int{}
	for _, ins := range insns {
		if s := ins.Symbol(); s != "" {
			assert.False(t, symbols[s], "duplicate symbol %s", s)
			symbols[s] = true
		}
		if ins.IsLoadFromMap() {
			maps[ins.Reference()]++
		}
	}
	for _, ins := range insns {
		if ins.OpCode.JumpOp() != asm.InvalidJumpOp && ins.OpCode.JumpOp() != asm.Call && ins.OpCode.JumpOp() != asm.Exit {
			assert.True(t, symbols[ins.Reference()], "jump to undefined label %q", ins.Reference())
		}
	}
	assert.Equal(t, 3, maps[CounterMapName])
	assert.Equal(t, 4, maps[StatsMapName])

	last := insns[len(insns)-1]
	assert.Equal(t, asm.Exit, last.OpCode.JumpOp())
}

func TestClassifierInKernel(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping eBPF test - requires root privileges")
	}
	require.NoError(t, rlimit.RemoveMemlock())

	objs, err := Load(4)
	require.NoError(t, err)
	defer objs.Close()

	frame := make([]byte, 64)
	for i := 0; i < 3; i++ {
		ret, err := objs.TcIngress.Run(&ebpf.RunOptions{Data: frame})
		require.NoError(t, err)
		assert.Equal(t, uint32(tcActOK), ret)
	}

	var (
		k       types.KernelKey
		v       types.KernelValue
		packets uint64
	)
	iter := objs.CounterMap.Iterate()
	for iter.Next(&k, &v) {
		assert.Equal(t, uint32(types.DirRX), k.Dir)
		packets += v.Packets
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, uint64(3), packets)

	var seen []uint64
	key := uint32(types.StatPacketsSeen)
	require.NoError(t, objs.StatsMap.Lookup(&key, &seen))
	var total uint64
	for _, n := range seen {
		total += n
	}
	assert.Equal(t, uint64(3), total)
}

func statSum(t *testing.T, m *ebpf.Map, idx int) uint64 {
	t.Helper()
	var perCPU []uint64
	key := uint32(idx)
	require.NoError(t, m.Lookup(&key, &perCPU))
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total
}

func TestClassifierCountsOverflowWhenMapFull(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping eBPF test - requires root privileges")
	}
	require.NoError(t, rlimit.RemoveMemlock())

	objs, err := Load(1)
	require.NoError(t, err)
	defer objs.Close()

	frame := make([]byte, 64)
	ret, err := objs.TcIngress.Run(&ebpf.RunOptions{Data: frame})
	require.NoError(t, err)
	assert.Equal(t, uint32(tcActOK), ret)

	// The egress key differs in direction and finds the map full.
	for i := 0; i < 2; i++ {
		ret, err = objs.TcEgress.Run(&ebpf.RunOptions{Data: frame})
		require.NoError(t, err)
		assert.Equal(t, uint32(tcActOK), ret, "overflow never changes the verdict")
	}

	var (
		k       types.KernelKey
		v       types.KernelValue
		entries int
	)
	iter := objs.CounterMap.Iterate()
	for iter.Next(&k, &v) {
		entries++
		assert.Equal(t, uint32(types.DirRX), k.Dir)
		assert.Equal(t, uint64(1), v.Packets)
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, 1, entries)

	assert.Equal(t, uint64(3), statSum(t, objs.StatsMap, types.StatPacketsSeen))
	assert.Equal(t, uint64(1), statSum(t, objs.StatsMap, types.StatNewKeys))
	assert.Equal(t, uint64(2), statSum(t, objs.StatsMap, types.StatOverflow))
	assert.Equal(t, uint64(2*len(frame)), statSum(t, objs.StatsMap, types.StatOverflowBytes))
}
