// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package collector

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	InterfaceStatusUp       = 0
	InterfaceStatusDown     = 1
	InterfaceStatusNotFound = 2
)

type metrics struct {
	packetsTotal            *prometheus.CounterVec
	bytesTotal              *prometheus.CounterVec
	overflowPacketsTotal    prometheus.Counter
	overflowBytesTotal      prometheus.Counter
	newKeysTotal            prometheus.Counter
	verdictsTotal           *prometheus.CounterVec
	tableEntries            prometheus.Gauge
	tableCapacity           prometheus.Gauge
	tableResetsTotal        prometheus.Counter
	snapshotDurationSeconds prometheus.Gauge
	interfaceStatus         *prometheus.GaugeVec
	info                    *prometheus.GaugeVec
	configPollInterval      prometheus.Gauge
	configWorkers           prometheus.Gauge
	configSnapLen           prometheus.Gauge
}

func newMetrics() *metrics {
	classLabels := []string{"mode", "class", "country"}
	return &metrics{
		packetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktclass_packets_total",
				Help: "Packets counted per classification key.",
			},
			classLabels,
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktclass_bytes_total",
				Help: "Wire bytes counted per classification key.",
			},
			classLabels,
		),
		overflowPacketsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pktclass_overflow_packets_total",
				Help: "Packets whose key could not be admitted because the table was full.",
			},
		),
		overflowBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pktclass_overflow_bytes_total",
				Help: "Bytes of packets whose key could not be admitted because the table was full.",
			},
		),
		newKeysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pktclass_new_keys_total",
				Help: "Keys admitted into the counter table.",
			},
		),
		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktclass_verdicts_total",
				Help: "Packets per verdict returned by the hook. Only the in-process backends report verdicts.",
			},
			[]string{"verdict"},
		),
		tableEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_table_entries",
				Help: "Resident keys in the counter table at the last poll.",
			},
		),
		tableCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_table_capacity",
				Help: "Maximum number of resident keys.",
			},
		),
		tableResetsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pktclass_table_resets_total",
				Help: "Full table resets observed.",
			},
		),
		snapshotDurationSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_snapshot_duration_seconds",
				Help: "Time in seconds to read the counter table in the last poll.",
			},
		),
		interfaceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pktclass_interface_status",
				Help: "Interface status: 0=up, 1=down, 2=not found. Reported for configured interfaces (explicit list) or all non-loopback (any mode).",
			},
			[]string{"interface"},
		),
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pktclass_info",
				Help: "Constant 1, labelled with the packet backend and key mode.",
			},
			[]string{"backend", "mode"},
		),
		configPollInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_config_poll_interval_seconds",
				Help: "Configured poll interval in seconds.",
			},
		),
		configWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_config_workers",
				Help: "Configured capture workers per interface.",
			},
		),
		configSnapLen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pktclass_config_snaplen_bytes",
				Help: "Configured capture snapshot length in bytes.",
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.packetsTotal,
		m.bytesTotal,
		m.overflowPacketsTotal,
		m.overflowBytesTotal,
		m.newKeysTotal,
		m.verdictsTotal,
		m.tableEntries,
		m.tableCapacity,
		m.tableResetsTotal,
		m.snapshotDurationSeconds,
		m.interfaceStatus,
		m.info,
		m.configPollInterval,
		m.configWorkers,
		m.configSnapLen,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	slog.Info("Prometheus metrics registered")
	return nil
}
