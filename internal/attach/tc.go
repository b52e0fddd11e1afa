// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package attach loads the in-kernel classifier, attaches it to network
// interfaces and reads its counters back for the control plane.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/pktclass-exporter-ebpf/bpf"
	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/snapshot"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

const (
	ModeTCX     = "tcx"
	ModeNetlink = "netlink"
)

const defaultBatchSize = 2048

// Config is read-only once passed to Open.
type Config struct {
	Mode          string // tcx or netlink
	MapMaxEntries int
	BatchSize     int // keys per BatchLookup (0 = default 2048)
}

// TC owns the loaded classifier and every attachment made with it. Counters
// are discarded by Close.
type TC struct {
	cfg        Config
	objs       *bpf.Objects
	mu         sync.Mutex
	links      map[int][]io.Closer // ifindex -> [ingress, egress]
	generation atomic.Uint64
	noBatch    atomic.Bool
}

func Open(cfg Config) (*TC, error) {
	if cfg.MapMaxEntries <= 0 {
		return nil, fmt.Errorf("--table-capacity must be > 0, got %d", cfg.MapMaxEntries)
	}
	switch cfg.Mode {
	case ModeTCX:
		if err := checkKernelVersion(); err != nil {
			slog.Error("kernel version check failed", "err", err)
			return nil, err
		}
	case ModeNetlink:
	default:
		return nil, fmt.Errorf("unknown attach mode %q: must be %s or %s", cfg.Mode, ModeTCX, ModeNetlink)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}
	objs, err := bpf.Load(uint32(cfg.MapMaxEntries))
	if err != nil {
		slog.Error("load eBPF objects failed", "err", err)
		return nil, err
	}
	slog.Info("eBPF programs and maps loaded", "map_max_entries", cfg.MapMaxEntries, "attach_mode", cfg.Mode)
	return &TC{cfg: cfg, objs: objs, links: make(map[int][]io.Closer)}, nil
}

// Attach hooks the classifier to ingress and egress of every interface.
// Interfaces that are already attached are skipped.
func (t *TC) Attach(interfaces []net.Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, iface := range interfaces {
		if _, ok := t.links[iface.Index]; ok {
			continue
		}
		var (
			closers []io.Closer
			err     error
		)
		if t.cfg.Mode == ModeTCX {
			closers, err = t.attachTCX(iface)
		} else {
			closers, err = t.attachNetlink(iface)
		}
		if err != nil {
			return err
		}
		t.links[iface.Index] = closers
		slog.Info("TC attached to interface", "iface", iface.Name, "index", iface.Index, "mode", t.cfg.Mode)
	}
	return nil
}

func (t *TC) attachTCX(iface net.Interface) ([]io.Closer, error) {
	slog.Debug("attach TCX ingress", "iface", iface.Name, "index", iface.Index)
	ingress, err := link.AttachTCX(link.TCXOptions{
		Program:   t.objs.TcIngress,
		Interface: iface.Index,
		Attach:    ebpf.AttachTCXIngress,
	})
	if err != nil {
		return nil, fmt.Errorf("attach ingress %s (index %d): %w", iface.Name, iface.Index, err)
	}
	slog.Debug("attach TCX egress", "iface", iface.Name, "index", iface.Index)
	egress, err := link.AttachTCX(link.TCXOptions{
		Program:   t.objs.TcEgress,
		Interface: iface.Index,
		Attach:    ebpf.AttachTCXEgress,
	})
	if err != nil {
		ingress.Close()
		return nil, fmt.Errorf("attach egress %s (index %d): %w", iface.Name, iface.Index, err)
	}
	return []io.Closer{ingress, egress}, nil
}

// netlinkFilter is a direct-action cls_bpf filter on a clsact qdisc.
type netlinkFilter struct {
	filter *netlink.BpfFilter
}

func (f netlinkFilter) Close() error {
	return netlink.FilterDel(f.filter)
}

func (t *TC) attachNetlink(iface net.Interface) ([]io.Closer, error) {
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: iface.Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return nil, fmt.Errorf("create clsact qdisc on %s: %w", iface.Name, err)
	}
	slog.Debug("clsact qdisc ready", "iface", iface.Name, "index", iface.Index)

	var closers []io.Closer
	for _, hook := range []struct {
		parent uint32
		prog   *ebpf.Program
		name   string
	}{
		{netlink.HANDLE_MIN_INGRESS, t.objs.TcIngress, bpf.IngressProgramName},
		{netlink.HANDLE_MIN_EGRESS, t.objs.TcEgress, bpf.EgressProgramName},
	} {
		filter := &netlink.BpfFilter{
			FilterAttrs: netlink.FilterAttrs{
				LinkIndex: iface.Index,
				Parent:    hook.parent,
				Handle:    netlink.MakeHandle(0, 1),
				Protocol:  unix.ETH_P_ALL,
				Priority:  1,
			},
			Fd:           hook.prog.FD(),
			Name:         hook.name,
			DirectAction: true,
		}
		if err := netlink.FilterReplace(filter); err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, fmt.Errorf("attach %s filter on %s (index %d): %w", hook.name, iface.Name, iface.Index, err)
		}
		closers = append(closers, netlinkFilter{filter: filter})
	}
	return closers, nil
}

func (t *TC) detachLocked(ifindex int) {
	for _, c := range t.links[ifindex] {
		if err := c.Close(); err != nil {
			slog.Warn("detach failed", "index", ifindex, "err", err)
		}
	}
	delete(t.links, ifindex)
}

// Close detaches everywhere and releases the programs and maps.
func (t *TC) Close() error {
	t.mu.Lock()
	n := 0
	for idx, links := range t.links {
		n += len(links)
		t.detachLocked(idx)
	}
	t.mu.Unlock()
	slog.Info("TC detached", "links", n)
	return t.objs.Close()
}

func kernelKeyToKey(k types.KernelKey) types.Key {
	return classify.Extract(classify.ModeInterface, types.Metadata{Ifindex: k.Ifindex, Dir: types.Direction(k.Dir)})
}

func keyToKernelKey(key types.Key) types.KernelKey {
	return types.KernelKey{Ifindex: uint32(key) >> 1, Dir: uint32(key) & 1}
}

// ReadAll implements snapshot.Source. Keys use the interface classification.
func (t *TC) ReadAll(ctx context.Context) ([]types.Record, snapshot.Stats, error) {
	var (
		records []types.Record
		err     error
	)
	if !t.noBatch.Load() {
		records, err = t.readBatch(ctx)
		if errors.Is(err, ebpf.ErrNotSupported) {
			slog.Info("batch lookup not supported, falling back to map iteration")
			t.noBatch.Store(true)
		} else if err != nil {
			return nil, snapshot.Stats{}, err
		}
	}
	if t.noBatch.Load() {
		if records, err = t.readIterate(ctx); err != nil {
			return nil, snapshot.Stats{}, err
		}
	}
	sums, err := t.readStats()
	if err != nil {
		return nil, snapshot.Stats{}, err
	}
	st := snapshot.Stats{
		Capacity:   t.cfg.MapMaxEntries,
		Resident:   len(records),
		NewKeys:    sums[types.StatNewKeys],
		Overflow:   types.Entry{Packets: sums[types.StatOverflow], Bytes: sums[types.StatOverflowBytes]},
		Generation: t.generation.Load(),
	}
	return records, st, nil
}

func (t *TC) readBatch(ctx context.Context) ([]types.Record, error) {
	batch := t.cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	keys := make([]types.KernelKey, batch)
	values := make([]types.KernelValue, batch)
	seen := make(map[types.KernelKey]int)
	var (
		out    []types.Record
		cursor ebpf.MapBatchCursor
	)
	for ctx.Err() == nil {
		n, err := t.objs.CounterMap.BatchLookup(&cursor, keys, values, nil)
		if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, fmt.Errorf("counter map batch lookup: %w", err)
		}
		for i := 0; i < n; i++ {
			rec := types.Record{
				Key:   kernelKeyToKey(keys[i]),
				Entry: types.Entry{Packets: values[i].Packets, Bytes: values[i].Bytes},
			}
			// Concurrent inserts can make the kernel return a key twice; keep the larger view.
			if j, dup := seen[keys[i]]; dup {
				if rec.Packets > out[j].Packets {
					out[j] = rec
				}
				continue
			}
			seen[keys[i]] = len(out)
			out = append(out, rec)
		}
		if n == 0 || errors.Is(err, ebpf.ErrKeyNotExist) {
			break
		}
	}
	return out, ctx.Err()
}

func (t *TC) readIterate(ctx context.Context) ([]types.Record, error) {
	var (
		out []types.Record
		k   types.KernelKey
		v   types.KernelValue
	)
	iter := t.objs.CounterMap.Iterate()
	for iter.Next(&k, &v) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, types.Record{Key: kernelKeyToKey(k), Entry: types.Entry{Packets: v.Packets, Bytes: v.Bytes}})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate counter map: %w", err)
	}
	return out, nil
}

func (t *TC) readStats() ([types.NumStats]uint64, error) {
	var sums [types.NumStats]uint64
	for i := 0; i < types.NumStats; i++ {
		key := uint32(i)
		var values []uint64
		if err := t.objs.StatsMap.Lookup(&key, &values); err != nil {
			return sums, fmt.Errorf("stats map lookup %d: %w", i, err)
		}
		for _, v := range values {
			sums[i] += v
		}
	}
	return sums, nil
}

// Reset implements snapshot.Resetter. Deleting the key is equivalent to
// zeroing it: the classifier re-inserts it on the next packet.
func (t *TC) Reset(_ context.Context, key types.Key) error {
	kk := keyToKernelKey(key)
	if err := t.objs.CounterMap.Delete(&kk); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("reset %s: %w", classify.Describe(classify.ModeInterface, key), snapshot.ErrUnknownKey)
		}
		return fmt.Errorf("reset %s: %w", classify.Describe(classify.ModeInterface, key), err)
	}
	return nil
}

// ResetAll deletes every counter and zeroes the per-CPU stats.
func (t *TC) ResetAll(ctx context.Context) error {
	records, err := t.readIterate(ctx)
	if err != nil {
		return err
	}
	var failed []string
	for _, r := range records {
		kk := keyToKernelKey(r.Key)
		if err := t.objs.CounterMap.Delete(&kk); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			failed = append(failed, fmt.Sprintf("%d/%d", kk.Ifindex, kk.Dir))
		}
	}
	cpus, err := ebpf.PossibleCPU()
	if err != nil {
		return fmt.Errorf("possible CPUs: %w", err)
	}
	zeros := make([]uint64, cpus)
	for i := 0; i < types.NumStats; i++ {
		key := uint32(i)
		if err := t.objs.StatsMap.Put(&key, zeros); err != nil {
			return fmt.Errorf("zero stats %d: %w", i, err)
		}
	}
	t.generation.Add(1)
	if len(failed) > 0 {
		return fmt.Errorf("delete counters %s", strings.Join(failed, ", "))
	}
	slog.Info("kernel counters reset", "deleted", len(records))
	return nil
}
