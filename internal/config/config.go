// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package config holds the exporter settings shared by the command line and
// the optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pktclass-exporter-ebpf/internal/attach"
	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/counter"
	"github.com/pktclass-exporter-ebpf/internal/log"
)

// Packet sources.
const (
	BackendCapture = "capture" // AF_PACKET sockets feeding the in-process table
	BackendTC      = "tc"      // kernel TC programs and their hash map
	BackendPcap    = "pcap"    // replay of a pcap file into the in-process table
)

// Config is read-only after collector.Run is called.
type Config struct {
	Backend        string        `yaml:"backend"`
	Interfaces     string        `yaml:"interfaces"`
	KeyMode        string        `yaml:"key_mode"`
	TableCapacity  int           `yaml:"table_capacity"`
	Workers        int           `yaml:"workers"`
	SnapLen        int           `yaml:"snaplen"`
	PcapPath       string        `yaml:"pcap_path"`
	AttachMode     string        `yaml:"attach_mode"`
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ListenAddress  string        `yaml:"listen_address"`
	MetricsPath    string        `yaml:"metrics_path"`
	GeoIPDB        string        `yaml:"geoip_db"`
	GeoIPCacheSize int           `yaml:"geoip_cache_size"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	LogFile        string        `yaml:"log_file"`
	LogMaxSizeMB   int           `yaml:"log_max_size_mb"`
}

func Default() Config {
	return Config{
		Backend:        BackendCapture,
		Interfaces:     "any",
		KeyMode:        classify.ModePrefix.String(),
		TableCapacity:  65536,
		Workers:        2,
		SnapLen:        256,
		AttachMode:     attach.ModeTCX,
		BatchSize:      2048,
		PollInterval:   2 * time.Second,
		ListenAddress:  "0.0.0.0:9100",
		MetricsPath:    "/metrics",
		GeoIPDB:        "/usr/share/GeoIP/GeoLite2-Country.mmdb",
		GeoIPCacheSize: 65536,
		LogLevel:       "info",
		LogFormat:      "text",
		LogMaxSizeMB:   100,
	}
}

// Load reads a YAML file over the defaults. Unknown fields are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	slog.Debug("config file loaded", "path", path)
	return cfg, nil
}

// Mode returns the parsed key mode.
func (c Config) Mode() (classify.Mode, error) {
	return classify.ParseMode(c.KeyMode)
}

// Validate reports the first invalid setting, named by its flag.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendCapture, BackendTC:
		if strings.TrimSpace(c.Interfaces) == "" {
			return fmt.Errorf("--interfaces must not be empty for backend %q", c.Backend)
		}
	case BackendPcap:
		if c.PcapPath == "" {
			return errors.New("--pcap is required for backend \"pcap\"")
		}
	default:
		return fmt.Errorf("--backend must be one of capture, tc, pcap, got %q", c.Backend)
	}
	if _, err := c.Mode(); err != nil {
		return fmt.Errorf("--key-mode: %w", err)
	}
	if c.TableCapacity <= 0 || c.TableCapacity > counter.MaxCapacity {
		return fmt.Errorf("--table-capacity must be in 1..%d, got %d", counter.MaxCapacity, c.TableCapacity)
	}
	if c.Backend == BackendCapture && c.Workers <= 0 {
		return fmt.Errorf("--workers must be > 0, got %d", c.Workers)
	}
	if c.SnapLen < 64 {
		return fmt.Errorf("--snaplen must be >= 64, got %d", c.SnapLen)
	}
	if c.Backend == BackendTC {
		if c.AttachMode != attach.ModeTCX && c.AttachMode != attach.ModeNetlink {
			return fmt.Errorf("--attach-mode must be %s or %s, got %q", attach.ModeTCX, attach.ModeNetlink, c.AttachMode)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be > 0, got %v", c.PollInterval)
	}
	if c.ListenAddress == "" {
		return errors.New("--listen-address must not be empty")
	}
	if !strings.HasPrefix(c.MetricsPath, "/") || strings.HasPrefix(c.MetricsPath, "/api/") {
		return fmt.Errorf("--metrics-path must start with / and not collide with /api/, got %q", c.MetricsPath)
	}
	if c.LogMaxSizeMB < 0 {
		return fmt.Errorf("--log-max-size-mb must be >= 0, got %d", c.LogMaxSizeMB)
	}
	if _, err := log.NewHandler(io.Discard, c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	return nil
}
