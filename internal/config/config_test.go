// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktclass-exporter-ebpf/internal/classify"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pktclass.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	mode, err := cfg.Mode()
	require.NoError(t, err)
	assert.Equal(t, classify.ModePrefix, mode)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
backend: tc
interfaces: eth0,eth1
key_mode: interface
attach_mode: netlink
poll_interval: 500ms
log_format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendTC, cfg.Backend)
	assert.Equal(t, "eth0,eth1", cfg.Interfaces)
	assert.Equal(t, "interface", cfg.KeyMode)
	assert.Equal(t, "netlink", cfg.AttachMode)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, Default().TableCapacity, cfg.TableCapacity, "unset fields keep defaults")
	assert.NoError(t, cfg.Validate())
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "table_capacty: 10\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeFile(t, "workers: [1, 2]\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"backend":        {func(c *Config) { c.Backend = "xdp" }, "--backend"},
		"interfaces":     {func(c *Config) { c.Interfaces = " " }, "--interfaces"},
		"pcap path":      {func(c *Config) { c.Backend = BackendPcap }, "--pcap"},
		"key mode":       {func(c *Config) { c.KeyMode = "vlan" }, "--key-mode"},
		"capacity":       {func(c *Config) { c.TableCapacity = 0 }, "--table-capacity"},
		"workers":        {func(c *Config) { c.Workers = 0 }, "--workers"},
		"snaplen":        {func(c *Config) { c.SnapLen = 10 }, "--snaplen"},
		"attach mode":    {func(c *Config) { c.Backend = BackendTC; c.AttachMode = "legacy" }, "--attach-mode"},
		"poll interval":  {func(c *Config) { c.PollInterval = 0 }, "--poll-interval"},
		"listen address": {func(c *Config) { c.ListenAddress = "" }, "--listen-address"},
		"metrics path":   {func(c *Config) { c.MetricsPath = "/api/metrics" }, "--metrics-path"},
		"log level":      {func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
		"log format":     {func(c *Config) { c.LogFormat = "xml" }, "invalid log format"},
		"log size":       {func(c *Config) { c.LogMaxSizeMB = -1 }, "--log-max-size-mb"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestValidatePcapIgnoresInterfaces(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendPcap
	cfg.PcapPath = "trace.pcap"
	cfg.Interfaces = ""
	cfg.Workers = 0
	assert.NoError(t, cfg.Validate())
}
