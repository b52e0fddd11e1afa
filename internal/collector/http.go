// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package collector

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pktclass-exporter-ebpf/internal/snapshot"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

// CounterView is one entry of the JSON counters report.
type CounterView struct {
	Key     types.Key `json:"key"`
	Class   string    `json:"class"`
	Country string    `json:"country,omitempty"`
	Packets uint64    `json:"packets"`
	Bytes   uint64    `json:"bytes"`
}

// CountersResponse is the body of GET /api/v1/counters.
type CountersResponse struct {
	Backend  string         `json:"backend"`
	Mode     string         `json:"mode"`
	Taken    time.Time      `json:"taken"`
	Duration time.Duration  `json:"duration_ns"`
	Stats    snapshot.Stats `json:"stats"`
	Total    types.Entry    `json:"total"`
	Counters []CounterView  `json:"counters"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router serves the metrics endpoint and the counters API.
func (c *Collector) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Handle(c.cfg.MetricsPath, promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)).Methods(http.MethodGet)

	// Routes sit on the root router so a wrong method answers 405, not 404.
	r.HandleFunc("/api/v1/counters", c.handleCounters).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/counters", c.handleResetAll).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/counters/{key}", c.handleCounter).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/counters/{key}", c.handleReset).Methods(http.MethodDelete)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// parseKey accepts decimal or 0x-prefixed keys.
func parseKey(s string) (types.Key, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return types.Key(v), nil
}

func (c *Collector) report(r *http.Request) (CountersResponse, error) {
	rep, err := c.reader.ReadAll(r.Context())
	if err != nil {
		return CountersResponse{}, err
	}
	out := CountersResponse{
		Backend:  c.cfg.Backend,
		Mode:     c.mode.String(),
		Taken:    rep.Taken,
		Duration: rep.Duration,
		Stats:    rep.Stats,
		Total:    rep.Total(),
		Counters: make([]CounterView, 0, len(rep.Entries)),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range rep.Entries {
		class, country := c.labelsFor(e.Key)
		out.Counters = append(out.Counters, CounterView{
			Key:     e.Key,
			Class:   class,
			Country: country,
			Packets: e.Packets,
			Bytes:   e.Bytes,
		})
	}
	return out, nil
}

func (c *Collector) handleCounters(w http.ResponseWriter, r *http.Request) {
	out, err := c.report(r)
	if err != nil {
		slog.Error("counters report failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Collector) handleCounter(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := c.report(r)
	if err != nil {
		slog.Error("counters report failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, v := range out.Counters {
		if v.Key == key {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeError(w, http.StatusNotFound, snapshot.ErrUnknownKey)
}

func (c *Collector) handleReset(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.resetKey(r.Context(), key); err != nil {
		if errors.Is(err, snapshot.ErrUnknownKey) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		slog.Error("reset key failed", "key", uint32(key), "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("counter reset", "key", uint32(key), "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (c *Collector) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := c.resetAll(r.Context()); err != nil {
		slog.Error("reset all failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("all counters reset", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}
