// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package attach

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// checkKernelVersion fails on kernels older than 6.6, which lack tcx links.
func checkKernelVersion() error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return fmt.Errorf("uname: %w", err)
	}
	return checkRelease(string(uname.Release[:bytes.IndexByte(uname.Release[:], 0)]))
}

func checkRelease(release string) error {
	major, minor, err := parseRelease(release)
	if err != nil {
		return err
	}
	if major < 6 || (major == 6 && minor < 6) {
		return fmt.Errorf("kernel %s has no tcx (needs 6.6), use --attach-mode=netlink", release)
	}
	slog.Debug("tcx supported", "kernel", release)
	return nil
}

// parseRelease reads major and minor from a uname release such as "6.12.9+deb13".
func parseRelease(release string) (major, minor int, err error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("kernel version %q: want MAJOR.MINOR", release)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: bad major", release)
	}
	minorStr := parts[1]
	for i, c := range minorStr {
		if c < '0' || c > '9' {
			minorStr = minorStr[:i]
			break
		}
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: bad minor", release)
	}
	return major, minor, nil
}
