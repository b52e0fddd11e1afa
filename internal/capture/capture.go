// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package capture feeds packets seen on AF_PACKET sockets, or stored in pcap
// files, to a packet sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

// Sink receives every captured packet. It is called from many goroutines.
type Sink interface {
	Handle(md types.Metadata) types.Verdict
}

type Options struct {
	Workers     int           // receivers per interface (0 = 1)
	SnapLen     int           // bytes kept per frame (0 = 256)
	ReadTimeout time.Duration // receive timeout used to notice cancellation (0 = 250ms)
}

const (
	defaultSnapLen     = 256
	defaultReadTimeout = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.SnapLen <= 0 {
		o.SnapLen = defaultSnapLen
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	return o
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// openSocket opens a raw packet socket bound to one interface.
func openSocket(ifindex int, timeout time.Duration) (int, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return -1, fmt.Errorf("packet socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind packet socket to index %d: %w", ifindex, err)
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set receive timeout: %w", err)
	}
	return fd, nil
}

// Run captures on every interface until ctx is canceled. Each interface gets
// its own socket shared by opts.Workers receiving goroutines.
func Run(ctx context.Context, interfaces []net.Interface, opts Options, sink Sink) error {
	opts = opts.withDefaults()
	var fds []int
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()
	for _, iface := range interfaces {
		fd, err := openSocket(iface.Index, opts.ReadTimeout)
		if err != nil {
			slog.Error("open capture socket failed", "iface", iface.Name, "index", iface.Index, "err", err)
			return fmt.Errorf("capture %s: %w", iface.Name, err)
		}
		fds = append(fds, fd)
		slog.Debug("capture socket opened", "iface", iface.Name, "index", iface.Index, "workers", opts.Workers)
	}
	slog.Info("userspace capture started", "interfaces", len(interfaces), "workers_per_interface", opts.Workers, "snaplen", opts.SnapLen)

	g, gctx := errgroup.WithContext(ctx)
	for i, fd := range fds {
		fd, ifindex := fd, uint32(interfaces[i].Index)
		for w := 0; w < opts.Workers; w++ {
			g.Go(func() error {
				return receive(gctx, fd, ifindex, opts.SnapLen, sink)
			})
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func receive(ctx context.Context, fd int, ifindex uint32, snapLen int, sink Sink) error {
	buf := make([]byte, snapLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// MSG_TRUNC makes packet sockets report the full frame length.
		n, from, err := unix.Recvfrom(fd, buf, unix.MSG_TRUNC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("receive on index %d: %w", ifindex, err)
		}
		dir := types.DirRX
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			dir = types.DirTX
		}
		sink.Handle(frameMetadata(buf, n, ifindex, dir))
	}
}

// frameMetadata builds packet metadata for a frame of wireLen bytes of which
// at most len(buf) were captured.
func frameMetadata(buf []byte, wireLen int, ifindex uint32, dir types.Direction) types.Metadata {
	captured := wireLen
	if captured > len(buf) {
		captured = len(buf)
	}
	return types.Metadata{Ifindex: ifindex, Dir: dir, Len: uint32(wireLen), Data: buf[:captured]}
}
