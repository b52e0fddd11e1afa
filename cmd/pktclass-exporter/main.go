// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/collector"
	"github.com/pktclass-exporter-ebpf/internal/config"
	"github.com/pktclass-exporter-ebpf/internal/log"
)

// bindFlags registers one flag per config field, defaulting to cfg.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) *string {
	configPath := fs.String("config", "", "Optional YAML config file; flags set on the command line override it")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Packet source: capture (AF_PACKET), tc (kernel TC programs) or pcap (file replay)")
	fs.StringVar(&cfg.Interfaces, "interfaces", cfg.Interfaces, "Comma-separated interface names; 'any' = all non-loopback")
	fs.StringVar(&cfg.KeyMode, "key-mode", cfg.KeyMode, "Classification key: "+classify.SupportedModes)
	fs.IntVar(&cfg.TableCapacity, "table-capacity", cfg.TableCapacity, "Maximum resident keys (kernel map max entries for the tc backend)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Capture goroutines per interface")
	fs.IntVar(&cfg.SnapLen, "snaplen", cfg.SnapLen, "Bytes of each frame read for classification")
	fs.StringVar(&cfg.PcapPath, "pcap", cfg.PcapPath, "pcap file replayed by the pcap backend")
	fs.StringVar(&cfg.AttachMode, "attach-mode", cfg.AttachMode, "TC attachment: tcx (kernel 6.6+) or netlink (clsact qdisc)")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Keys per batch lookup syscall")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval to read counters and update metrics")
	fs.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress, "HTTP server listen address")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "HTTP path for Prometheus metrics")
	fs.StringVar(&cfg.GeoIPDB, "geoip-db", cfg.GeoIPDB, "Path to GeoLite2-Country.mmdb, used in prefix mode")
	fs.IntVar(&cfg.GeoIPCacheSize, "geoip-cache-size", cfg.GeoIPCacheSize, "GeoIP LRU cache size (prefix -> country)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+log.SupportedLevels)
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: "+log.SupportedFormats)
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this file, rotated by size")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size-mb", cfg.LogMaxSizeMB, "Log file size in MB before rotation")
	return configPath
}

// parseConfig parses args. When -config is given the file is loaded first and
// the flags explicitly set in args are applied on top of it.
func parseConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	fs := flag.NewFlagSet("pktclass-exporter", flag.ContinueOnError)
	configPath := bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *configPath == "" {
		return cfg, nil
	}
	fileCfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	// Re-parse over the file values so only explicit flags win.
	fs = flag.NewFlagSet("pktclass-exporter", flag.ContinueOnError)
	bindFlags(fs, &fileCfg)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return fileCfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		os.Exit(2)
	}

	if err := log.ConfigureWriter(log.Output(cfg.LogFile, cfg.LogMaxSizeMB), cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("logging configured", "level", cfg.LogLevel, "format", cfg.LogFormat)

	slog.Info("starting pktclass-exporter",
		"backend", cfg.Backend,
		"interfaces", cfg.Interfaces,
		"key_mode", cfg.KeyMode,
		"listen", cfg.ListenAddress,
		"poll_interval", cfg.PollInterval,
	)
	slog.Debug("config",
		"table_capacity", cfg.TableCapacity,
		"workers", cfg.Workers,
		"snaplen", cfg.SnapLen,
		"attach_mode", cfg.AttachMode,
		"metrics_path", cfg.MetricsPath,
		"geoip_db", cfg.GeoIPDB,
	)

	// Run collector (blocks until context is canceled)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := collector.Run(ctx, cfg); err != nil {
		slog.Error("collector run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
