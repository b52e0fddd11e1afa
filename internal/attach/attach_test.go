// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package attach

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktclass-exporter-ebpf/internal/snapshot"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

func TestFilterInterfaces(t *testing.T) {
	all := []net.Interface{
		{Index: 1, Name: "lo", Flags: net.FlagLoopback | net.FlagUp},
		{Index: 2, Name: "eth0", Flags: net.FlagUp},
		{Index: 3, Name: "wan"},
	}

	got, err := filterInterfaces(all, "any", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0 (index 2)", "wan (index 3)"}, Describe(got))

	got, err = filterInterfaces(all, " wan, eth0 ,wan,", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"wan (index 3)", "eth0 (index 2)"}, Describe(got))

	_, err = filterInterfaces(all, "eth0,eth9", false)
	assert.ErrorContains(t, err, `"eth9" not found`)

	got, err = filterInterfaces(all, "eth0,eth9", true)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStableName(t *testing.T) {
	assert.Equal(t, "eth0", StableName(net.Interface{Index: 4, Name: "eth0"}))
	assert.Equal(t, "4", StableName(net.Interface{Index: 4}))
}

func TestParseRelease(t *testing.T) {
	for release, want := range map[string][2]int{
		"6.6.0":                 {6, 6},
		"6.12+deb13-amd64":      {6, 12},
		"5.15.0-105-generic":    {5, 15},
		"6.1.0-rc3.fc39.x86_64": {6, 1},
	} {
		major, minor, err := parseRelease(release)
		require.NoError(t, err, release)
		assert.Equal(t, want, [2]int{major, minor}, release)
	}
	for _, bad := range []string{"6", "x.1.0", "6.x"} {
		_, _, err := parseRelease(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckRelease(t *testing.T) {
	assert.NoError(t, checkRelease("6.6.0"))
	assert.NoError(t, checkRelease("6.12+deb13-amd64"))
	assert.ErrorContains(t, checkRelease("6.1.0-rc3"), "--attach-mode=netlink")
	assert.ErrorContains(t, checkRelease("5.15.0-105-generic"), "kernel 5.15.0-105-generic has no tcx")
	assert.ErrorContains(t, checkRelease("bogus"), "want MAJOR.MINOR")
}

func TestKernelKeyRoundTrip(t *testing.T) {
	kk := types.KernelKey{Ifindex: 9, Dir: uint32(types.DirTX)}
	key := kernelKeyToKey(kk)
	assert.Equal(t, types.Key(19), key)
	assert.Equal(t, kk, keyToKernelKey(key))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(Config{Mode: ModeNetlink})
	assert.ErrorContains(t, err, "must be > 0")

	_, err = Open(Config{Mode: "xdp", MapMaxEntries: 16})
	assert.ErrorContains(t, err, "unknown attach mode")
}

func TestKernelSourceReadAndReset(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping eBPF test - requires root privileges")
	}
	tc, err := Open(Config{Mode: ModeNetlink, MapMaxEntries: 8})
	require.NoError(t, err)
	defer tc.Close()

	frame := make([]byte, 60)
	for i := 0; i < 2; i++ {
		_, err := tc.objs.TcEgress.Run(&ebpf.RunOptions{Data: frame})
		require.NoError(t, err)
	}

	ctx := context.Background()
	rep, err := snapshot.NewReader(tc).ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, uint64(2), rep.Entries[0].Packets)
	assert.Equal(t, types.Key(1), rep.Entries[0].Key&1, "egress program counts tx")
	assert.Equal(t, uint64(1), rep.Stats.NewKeys)

	require.NoError(t, tc.Reset(ctx, rep.Entries[0].Key))
	assert.ErrorIs(t, tc.Reset(ctx, rep.Entries[0].Key), snapshot.ErrUnknownKey)

	require.NoError(t, tc.ResetAll(ctx))
	rep, err = snapshot.NewReader(tc).ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Entries)
	assert.Zero(t, rep.Stats.NewKeys)
	assert.Equal(t, uint64(1), rep.Stats.Generation)
}
