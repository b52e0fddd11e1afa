// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package collector

import (
	"context"
	"log/slog"

	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/geoip"
	"github.com/pktclass-exporter-ebpf/internal/snapshot"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

// delta returns how far a monotonic counter moved since prev. A smaller
// current value means the counter was reset, so all of cur is new.
func delta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}

func entryDelta(prev, cur types.Entry) types.Entry {
	if cur.Packets < prev.Packets || cur.Bytes < prev.Bytes {
		return cur
	}
	return types.Entry{Packets: cur.Packets - prev.Packets, Bytes: cur.Bytes - prev.Bytes}
}

// labelsFor returns the class and country labels of key. Caller must hold c.mu.
func (c *Collector) labelsFor(key types.Key) (string, string) {
	if l, ok := c.labels[key]; ok {
		return l[0], l[1]
	}
	class := classify.Describe(c.mode, key)
	country := ""
	if c.mode == classify.ModePrefix {
		country = geoip.Unknown
		if c.geo != nil {
			country = c.geo.Country(key)
		}
	}
	c.labels[key] = [2]string{class, country}
	return class, country
}

// forgetLocked drops all per-key state after a full reset. Caller must hold c.mu.
func (c *Collector) forgetLocked() {
	clear(c.shadow)
	c.prevStats = snapshot.Stats{Generation: c.prevStats.Generation}
}

func (c *Collector) poll(ctx context.Context) error {
	slog.Debug("poll start")
	if err := ctx.Err(); err != nil {
		return err
	}
	c.updateInterfaceStatusMetric()

	c.mu.Lock()
	defer c.mu.Unlock()

	rep, err := c.reader.ReadAll(ctx)
	if err != nil {
		return err
	}
	c.metrics.snapshotDurationSeconds.Set(rep.Duration.Seconds())
	st := rep.Stats

	if c.polled && st.Generation != c.prevStats.Generation {
		slog.Info("counter table was reset", "generation", st.Generation)
		c.metrics.tableResetsTotal.Inc()
		c.forgetLocked()
	}

	seen := make(map[types.Key]struct{}, len(rep.Entries))
	for _, r := range rep.Entries {
		seen[r.Key] = struct{}{}
		d := entryDelta(c.shadow[r.Key], r.Entry)
		c.shadow[r.Key] = r.Entry
		if d.IsZero() {
			continue
		}
		class, country := c.labelsFor(r.Key)
		modeName := c.mode.String()
		c.metrics.packetsTotal.WithLabelValues(modeName, class, country).Add(float64(d.Packets))
		c.metrics.bytesTotal.WithLabelValues(modeName, class, country).Add(float64(d.Bytes))
	}
	for k := range c.shadow {
		if _, ok := seen[k]; !ok {
			delete(c.shadow, k)
		}
	}

	overflow := entryDelta(c.prevStats.Overflow, st.Overflow)
	if overflow.Packets > 0 {
		slog.Warn("counter table full, packets counted as overflow",
			"capacity", st.Capacity, "overflow_packets", overflow.Packets, "overflow_bytes", overflow.Bytes)
	}
	c.metrics.overflowPacketsTotal.Add(float64(overflow.Packets))
	c.metrics.overflowBytesTotal.Add(float64(overflow.Bytes))
	c.metrics.newKeysTotal.Add(float64(delta(c.prevStats.NewKeys, st.NewKeys)))
	c.metrics.tableEntries.Set(float64(st.Resident))
	c.metrics.tableCapacity.Set(float64(st.Capacity))
	c.prevStats = st
	c.polled = true

	if c.entry != nil {
		for v, n := range c.entry.Verdicts() {
			if d := delta(c.prevVerdicts[v], n); d > 0 {
				c.metrics.verdictsTotal.WithLabelValues(verdictLabel(v)).Add(float64(d))
			}
			c.prevVerdicts[v] = n
		}
	}

	slog.Debug("poll done", "entries", len(rep.Entries), "resident", st.Resident, "overflow_packets", st.Overflow.Packets, "new_keys", st.NewKeys)
	return nil
}

func verdictLabel(v types.Verdict) string {
	if v < 0 {
		return "other"
	}
	return v.String()
}

// resetKey zeroes one key at the source and forgets its shadow so the next
// poll counts from zero.
func (c *Collector) resetKey(ctx context.Context, key types.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.resetter.Reset(ctx, key); err != nil {
		return err
	}
	delete(c.shadow, key)
	return nil
}

func (c *Collector) resetAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.resetter.ResetAll(ctx); err != nil {
		return err
	}
	c.forgetLocked()
	return nil
}
