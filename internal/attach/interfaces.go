// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package attach

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// ResolveInterfaces returns the links named by a comma-separated list, or every
// non-loopback link for "any". Unknown names are dropped when skipMissing is
// set and fail otherwise.
func ResolveInterfaces(cfg string, skipMissing bool) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return filterInterfaces(all, cfg, skipMissing)
}

func filterInterfaces(all []net.Interface, cfg string, skipMissing bool) ([]net.Interface, error) {
	if strings.TrimSpace(cfg) == "any" {
		var out []net.Interface
		for _, iface := range all {
			if iface.Flags&net.FlagLoopback == 0 {
				out = append(out, iface)
			}
		}
		slog.Debug("watching all links", "count", len(out))
		return out, nil
	}
	byName := make(map[string]net.Interface, len(all))
	for _, iface := range all {
		byName[iface.Name] = iface
	}
	var out []net.Interface
	seen := make(map[string]struct{})
	for _, name := range SplitNames(cfg) {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		iface, ok := byName[name]
		if !ok {
			if skipMissing {
				slog.Debug("link absent, skipped", "name", name)
				continue
			}
			return nil, fmt.Errorf("interface %q not found", name)
		}
		out = append(out, iface)
	}
	slog.Debug("watching named links", "names", cfg, "present", len(out))
	return out, nil
}

// SplitNames splits a comma-separated interface list, dropping blanks.
func SplitNames(cfg string) []string {
	var names []string
	for _, name := range strings.Split(cfg, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// StableName returns the interface name, or its index when it has none.
func StableName(iface net.Interface) string {
	if iface.Name != "" {
		return iface.Name
	}
	return fmt.Sprintf("%d", iface.Index)
}

// Describe renders interfaces for logs as "name (index N)".
func Describe(interfaces []net.Interface) []string {
	names := make([]string, len(interfaces))
	for i := range interfaces {
		names[i] = StableName(interfaces[i]) + " (index " + fmt.Sprint(interfaces[i].Index) + ")"
	}
	return names
}
