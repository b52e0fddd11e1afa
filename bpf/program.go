// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package bpf contains the TC classifier that counts packets per
// (ifindex, direction) inside the kernel. The program is assembled in Go with
// cilium/ebpf/asm, so building the exporter needs no clang toolchain.
package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

const (
	CounterMapName     = "counter_map"
	StatsMapName       = "stats_map"
	IngressProgramName = "tc_ingress"
	EgressProgramName  = "tc_egress"
)

// Offsets into struct __sk_buff.
const (
	skbLen     = 0
	skbIfindex = 40
)

const (
	tcActOK    = 0
	bpfNoExist = 1
)

// Stack layout of the classifier.
const (
	stackKey   = -8  // types.KernelKey
	stackValue = -24 // types.KernelValue
	stackStat  = -32 // uint32 stats_map index
)

// NewCollectionSpec returns the maps and both direction programs. Callers
// may still adjust Maps[CounterMapName].MaxEntries before loading.
func NewCollectionSpec(maxEntries uint32) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			CounterMapName: {
				Name:       CounterMapName,
				Type:       ebpf.Hash,
				KeySize:    8,
				ValueSize:  16,
				MaxEntries: maxEntries,
			},
			StatsMapName: {
				Name:       StatsMapName,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: types.NumStats,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			IngressProgramName: {
				Name:         IngressProgramName,
				Type:         ebpf.SchedCLS,
				License:      "GPL",
				Instructions: classifier(types.DirRX),
			},
			EgressProgramName: {
				Name:         EgressProgramName,
				Type:         ebpf.SchedCLS,
				License:      "GPL",
				Instructions: classifier(types.DirTX),
			},
		},
	}
}

// classifier counts the packet under {skb->ifindex, dir}. A missing key is
// inserted with BPF_NOEXIST so that concurrent first packets on several CPUs
// agree on one entry; when the map is full the packet and its length are
// counted in StatOverflow and StatOverflowBytes instead. The verdict is
// always TC_ACT_OK.
func classifier(dir types.Direction) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R2, asm.R6, skbIfindex, asm.Word),
		asm.StoreMem(asm.RFP, stackKey, asm.R2, asm.Word),
		asm.StoreImm(asm.RFP, stackKey+4, int64(dir), asm.Word),
	}
	insns = append(insns, bumpStat(types.StatPacketsSeen)...)
	insns = append(insns, lookupCounter("")...)
	insns = append(insns,
		asm.JNE.Imm(asm.R0, 0, "count"),

		asm.StoreImm(asm.RFP, stackValue, 0, asm.DWord),
		asm.StoreImm(asm.RFP, stackValue+8, 0, asm.DWord),
		asm.LoadMapPtr(asm.R1, 0).WithReference(CounterMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackValue),
		asm.Mov.Imm(asm.R4, bpfNoExist),
		asm.FnMapUpdateElem.Call(),
		asm.JNE.Imm(asm.R0, 0, "relookup"),
	)
	insns = append(insns, bumpStat(types.StatNewKeys)...)
	insns = append(insns, lookupCounter("relookup")...)
	insns = append(insns, asm.JNE.Imm(asm.R0, 0, "count"))
	insns = append(insns, bumpStat(types.StatOverflow)...)
	insns = append(insns, addLenToStat(types.StatOverflowBytes)...)
	insns = append(insns,
		asm.Ja.Label("exit"),

		asm.Mov.Imm(asm.R1, 1).WithSymbol("count"),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R6, skbLen, asm.Word),
		asm.Mov.Reg(asm.R2, asm.R0),
		asm.Add.Imm(asm.R2, 8),
		asm.StoreXAdd(asm.R2, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, tcActOK).WithSymbol("exit"),
		asm.Return(),
	)
	return insns
}

// lookupCounter leaves a pointer to the counter_map value (or NULL) in R0.
func lookupCounter(symbol string) asm.Instructions {
	first := asm.LoadMapPtr(asm.R1, 0).WithReference(CounterMapName)
	if symbol != "" {
		first = first.WithSymbol(symbol)
	}
	return asm.Instructions{
		first,
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.FnMapLookupElem.Call(),
	}
}

// bumpStat adds one to stats_map[idx] on the current CPU. R0-R5 are clobbered.
func bumpStat(idx int) asm.Instructions {
	return addStat(idx, asm.Mov.Imm(asm.R1, 1))
}

// addLenToStat adds skb->len to stats_map[idx]. R6 must hold the skb.
func addLenToStat(idx int) asm.Instructions {
	return addStat(idx, asm.LoadMem(asm.R1, asm.R6, skbLen, asm.Word))
}

// addStat adds the value loaded into R1 by load to stats_map[idx].
func addStat(idx int, load asm.Instruction) asm.Instructions {
	done := fmt.Sprintf("stat_%d_done", idx)
	return asm.Instructions{
		asm.StoreImm(asm.RFP, stackStat, int64(idx), asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(StatsMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackStat),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, done),
		load,
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol(done),
	}
}
