// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

// Replay feeds every Ethernet frame of a pcap stream to sink as received on
// ifindex. It returns the number of packets replayed.
func Replay(ctx context.Context, r io.Reader, ifindex uint32, sink Sink) (int, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("read pcap header: %w", err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return 0, fmt.Errorf("unsupported pcap link type %s", lt)
	}
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read packet %d: %w", n+1, err)
		}
		wire := ci.Length
		if wire < len(data) {
			wire = len(data)
		}
		sink.Handle(types.Metadata{Ifindex: ifindex, Dir: types.DirRX, Len: uint32(wire), Data: data})
		n++
	}
}

// ReplayFile replays the pcap file at path.
func ReplayFile(ctx context.Context, path string, ifindex uint32, sink Sink) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()
	start := time.Now()
	n, err := Replay(ctx, f, ifindex, sink)
	if err != nil {
		return n, err
	}
	slog.Info("pcap replayed", "path", path, "packets", n, "duration", time.Since(start))
	return n, nil
}
