// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pktclass-exporter-ebpf/internal/attach"
	"github.com/pktclass-exporter-ebpf/internal/capture"
	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/config"
	"github.com/pktclass-exporter-ebpf/internal/counter"
	"github.com/pktclass-exporter-ebpf/internal/geoip"
	"github.com/pktclass-exporter-ebpf/internal/hook"
	"github.com/pktclass-exporter-ebpf/internal/snapshot"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

const shutdownTimeout = 2 * time.Second

// Collector turns snapshots of a counter source into Prometheus counters.
type Collector struct {
	cfg      config.Config
	mode     classify.Mode
	reader   *snapshot.Reader
	resetter snapshot.Resetter
	entry    *hook.Entrypoint // nil for the tc backend
	geo      *geoip.Lookup
	metrics  *metrics

	// mu serializes polls with resets so deltas never straddle a reset.
	mu           sync.Mutex
	shadow       map[types.Key]types.Entry
	labels       map[types.Key][2]string // class, country
	prevStats    snapshot.Stats
	prevVerdicts map[types.Verdict]uint64
	polled       bool
}

type source interface {
	snapshot.Source
	snapshot.Resetter
}

func newCollector(cfg config.Config, mode classify.Mode, src source, entry *hook.Entrypoint, geo *geoip.Lookup, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		cfg:          cfg,
		mode:         mode,
		reader:       snapshot.NewReader(src),
		resetter:     src,
		entry:        entry,
		geo:          geo,
		metrics:      newMetrics(),
		shadow:       make(map[types.Key]types.Entry),
		labels:       make(map[types.Key][2]string),
		prevVerdicts: make(map[types.Verdict]uint64),
	}
	if err := c.metrics.register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	c.metrics.info.WithLabelValues(cfg.Backend, mode.String()).Set(1)
	c.metrics.configPollInterval.Set(cfg.PollInterval.Seconds())
	c.metrics.configWorkers.Set(float64(cfg.Workers))
	c.metrics.configSnapLen.Set(float64(cfg.SnapLen))
	return c, nil
}

// Run validates cfg, starts the configured packet backend, serves HTTP and
// polls until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return err
	}
	if cfg.Backend == config.BackendTC && mode != classify.ModeInterface {
		slog.Warn("tc backend counts per interface and direction, ignoring key mode", "key_mode", cfg.KeyMode)
		mode = classify.ModeInterface
	}

	var geo *geoip.Lookup
	if mode == classify.ModePrefix && cfg.GeoIPDB != "" {
		geo, err = geoip.Open(cfg.GeoIPDB, cfg.GeoIPCacheSize)
		if err != nil {
			slog.Warn("geoip db open failed, using UNKNOWN for all", "path", cfg.GeoIPDB, "err", err)
			geo = nil
		} else {
			defer geo.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		src   source
		entry *hook.Entrypoint
	)
	switch cfg.Backend {
	case config.BackendTC:
		tc, err := attach.Open(attach.Config{
			Mode:          cfg.AttachMode,
			MapMaxEntries: cfg.TableCapacity,
			BatchSize:     cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("open tc backend: %w", err)
		}
		defer tc.Close()
		// skipMissing=true allows startup even if configured interfaces don't exist yet
		interfaces, err := attach.ResolveInterfaces(cfg.Interfaces, true)
		if err != nil {
			return fmt.Errorf("interfaces: %w", err)
		}
		if err := tc.Attach(interfaces); err != nil {
			return fmt.Errorf("attach TC: %w", err)
		}
		if len(interfaces) == 0 {
			slog.Info("no interfaces found yet", "config", cfg.Interfaces)
		} else {
			slog.Info("TC attached", "mode", cfg.AttachMode, "interfaces", attach.Describe(interfaces))
		}
		src = tc

	case config.BackendCapture, config.BackendPcap:
		table, err := counter.New(cfg.TableCapacity)
		if err != nil {
			return err
		}
		entry = hook.New(table, mode)
		src = snapshot.TableSource{Table: table}
		if cfg.Backend == config.BackendPcap {
			g.Go(func() error {
				_, err := capture.ReplayFile(gctx, cfg.PcapPath, 0, entry)
				return err
			})
			break
		}
		interfaces, err := attach.ResolveInterfaces(cfg.Interfaces, false)
		if err != nil {
			return fmt.Errorf("interfaces: %w", err)
		}
		if len(interfaces) == 0 {
			return fmt.Errorf("no interfaces match %q", cfg.Interfaces)
		}
		g.Go(func() error {
			return capture.Run(gctx, interfaces, capture.Options{Workers: cfg.Workers, SnapLen: cfg.SnapLen}, entry)
		})
	}

	c, err := newCollector(cfg, mode, src, entry, geo, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	c.metrics.tableCapacity.Set(float64(cfg.TableCapacity))

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           c.Router(prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP server listening", "listen", cfg.ListenAddress, "metrics_path", cfg.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return c.loop(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Collector) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	slog.Debug("poll loop started", "interval", c.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("context canceled, exiting poll loop")
			return ctx.Err()
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				slog.Error("poll", "err", err)
			}
		}
	}
}

// interfaceStatuses maps each watched interface name to its status value.
// With "any" only present non-loopback links are listed.
func interfaceStatuses(all []net.Interface, watch string) map[string]float64 {
	out := make(map[string]float64)
	if watch == "any" {
		for _, iface := range all {
			if iface.Flags&net.FlagLoopback == 0 {
				out[iface.Name] = linkStatus(iface)
			}
		}
		return out
	}
	for _, name := range attach.SplitNames(watch) {
		out[name] = InterfaceStatusNotFound
	}
	for _, iface := range all {
		if _, ok := out[iface.Name]; ok {
			out[iface.Name] = linkStatus(iface)
		}
	}
	return out
}

func linkStatus(iface net.Interface) float64 {
	if iface.Flags&net.FlagUp != 0 {
		return InterfaceStatusUp
	}
	return InterfaceStatusDown
}

func (c *Collector) updateInterfaceStatusMetric() {
	if c.cfg.Backend == config.BackendPcap {
		return
	}
	all, err := net.Interfaces()
	if err != nil {
		slog.Debug("skip link status update", "err", err)
		return
	}
	if c.cfg.Interfaces == "any" {
		// Links that vanished must not keep a stale series.
		c.metrics.interfaceStatus.Reset()
	}
	for name, status := range interfaceStatuses(all, c.cfg.Interfaces) {
		c.metrics.interfaceStatus.WithLabelValues(name).Set(status)
	}
}
