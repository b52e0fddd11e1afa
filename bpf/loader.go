// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// Objects holds the loaded programs and maps.
type Objects struct {
	TcIngress  *ebpf.Program `ebpf:"tc_ingress"`
	TcEgress   *ebpf.Program `ebpf:"tc_egress"`
	CounterMap *ebpf.Map     `ebpf:"counter_map"`
	StatsMap   *ebpf.Map     `ebpf:"stats_map"`
}

func (o *Objects) Close() error {
	// Program.Close and Map.Close accept nil receivers.
	var errs []error
	for _, c := range []interface{ Close() error }{o.TcIngress, o.TcEgress, o.CounterMap, o.StatsMap} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load creates the maps and verifies both programs.
func Load(maxEntries uint32) (*Objects, error) {
	if maxEntries == 0 {
		return nil, fmt.Errorf("counter map max entries must be > 0")
	}
	spec := NewCollectionSpec(maxEntries)
	var objs Objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("verify classifier: %+v", verr)
		}
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	return &objs, nil
}
