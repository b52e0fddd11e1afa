// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package classify derives a classification key from packet metadata.
// Extraction is constant time, keeps no state and never fails: frames that
// cannot be decoded map to types.DefaultKey.
package classify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

type Mode int

const (
	ModeFlow Mode = iota
	ModeInterface
	ModeProtocol
	ModePrefix
)

const SupportedModes = "flow, interface, protocol, prefix"

var ErrUnknownMode = errors.New("unknown key mode")

func (m Mode) String() string {
	switch m {
	case ModeFlow:
		return "flow"
	case ModeInterface:
		return "interface"
	case ModeProtocol:
		return "protocol"
	case ModePrefix:
		return "prefix"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flow", "":
		return ModeFlow, nil
	case "interface", "ifindex":
		return ModeInterface, nil
	case "protocol", "proto":
		return ModeProtocol, nil
	case "prefix":
		return ModePrefix, nil
	default:
		return ModeFlow, fmt.Errorf("%w %q: must be one of %s", ErrUnknownMode, s, SupportedModes)
	}
}

// Extract returns the key of md under mode m.
func Extract(m Mode, md types.Metadata) types.Key {
	if m == ModeInterface {
		return types.Key(md.Ifindex<<1 | uint32(md.Dir&1))
	}
	h, ok := decode(md.Data)
	if !ok {
		return types.DefaultKey
	}
	switch m {
	case ModeFlow:
		return flowKey(&h)
	case ModeProtocol:
		return types.Key(uint32(h.etherType)<<8 | uint32(h.proto))
	case ModePrefix:
		if h.version == 0 {
			return types.DefaultKey
		}
		return types.Key(uint32(h.version)<<24 | uint32(h.src[0])<<16 | uint32(h.src[1])<<8 | uint32(h.src[2]))
	default:
		return types.DefaultKey
	}
}

// headers is the subset of a decoded frame that keys are built from.
type headers struct {
	etherType layers.EthernetType
	version   uint8
	proto     layers.IPProtocol
	src, dst  [16]byte
	sport     uint16
	dport     uint16
}

func decode(data []byte) (headers, bool) {
	var h headers
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return h, false
	}
	h.etherType = eth.EthernetType
	var l4 []byte
	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return h, false
		}
		h.version = 4
		h.proto = ip.Protocol
		copy(h.src[:], ip.SrcIP.To4())
		copy(h.dst[:], ip.DstIP.To4())
		// Ports only exist in the first fragment.
		if ip.FragOffset == 0 {
			l4 = ip.Payload
		}
	case layers.EthernetTypeIPv6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return h, false
		}
		h.version = 6
		h.proto = ip.NextHeader
		copy(h.src[:], ip.SrcIP)
		copy(h.dst[:], ip.DstIP)
		l4 = ip.Payload
	default:
		// Non-IP traffic is still classifiable by ethertype.
		return h, true
	}
	h.sport, h.dport = ports(h.proto, l4)
	return h, true
}

// ports reads the first four bytes of a TCP, UDP or SCTP header. Truncated
// transport headers leave both ports zero.
func ports(proto layers.IPProtocol, l4 []byte) (uint16, uint16) {
	switch proto {
	case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolUDPLite, layers.IPProtocolSCTP:
	default:
		return 0, 0
	}
	if len(l4) < 4 {
		return 0, 0
	}
	return binary.BigEndian.Uint16(l4[0:2]), binary.BigEndian.Uint16(l4[2:4])
}

func flowKey(h *headers) types.Key {
	var buf [2 + 16 + 16 + 4]byte
	buf[0] = h.version
	buf[1] = uint8(h.proto)
	copy(buf[2:18], h.src[:])
	copy(buf[18:34], h.dst[:])
	binary.BigEndian.PutUint16(buf[34:36], h.sport)
	binary.BigEndian.PutUint16(buf[36:38], h.dport)
	sum := xxhash.Sum64(buf[:])
	k := types.Key(uint32(sum) ^ uint32(sum>>32))
	if k == types.DefaultKey {
		k = 1
	}
	return k
}

// Describe renders key as a human readable class label for mode m.
func Describe(m Mode, key types.Key) string {
	if key == types.DefaultKey && m != ModeInterface {
		return "unclassified"
	}
	switch m {
	case ModeInterface:
		return fmt.Sprintf("ifindex %d %s", uint32(key)>>1, types.Direction(uint32(key)&1))
	case ModeProtocol:
		et := layers.EthernetType(uint32(key) >> 8)
		proto := layers.IPProtocol(uint32(key) & 0xff)
		switch et {
		case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
			name := "ipv4"
			if et == layers.EthernetTypeIPv6 {
				name = "ipv6"
			}
			return name + "/" + strings.ToLower(proto.String())
		default:
			return strings.ToLower(et.String())
		}
	case ModePrefix:
		v := uint32(key) >> 24
		a, b, c := byte(key>>16), byte(key>>8), byte(key)
		if v == 4 {
			return fmt.Sprintf("%d.%d.%d.0/24", a, b, c)
		}
		return fmt.Sprintf("%02x%02x:%02x00::/24", a, b, c)
	default:
		return fmt.Sprintf("flow 0x%08x", uint32(key))
	}
}

// PrefixAddr expands a prefix-mode key back to a zero padded address. ok is
// false for keys that do not carry a prefix.
func PrefixAddr(key types.Key) (addr [16]byte, version uint8, ok bool) {
	version = uint8(uint32(key) >> 24)
	if version != 4 && version != 6 {
		return addr, 0, false
	}
	addr[0], addr[1], addr[2] = byte(key>>16), byte(key>>8), byte(key)
	return addr, version, true
}
