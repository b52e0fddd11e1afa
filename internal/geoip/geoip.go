// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

// Package geoip labels prefix keys with the country of their network.
package geoip

import (
	"log/slog"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/oschwald/geoip2-golang"

	"github.com/pktclass-exporter-ebpf/internal/classify"
	"github.com/pktclass-exporter-ebpf/internal/types"
)

const (
	defaultCacheSize = 65536
	// Unknown labels keys without a prefix or without a country record.
	Unknown = "UNKNOWN"
)

type countryDB interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Lookup resolves prefix keys to ISO country codes using a MaxMind
// GeoLite2-Country database. Results are cached per key. A nil *Lookup
// answers Unknown.
type Lookup struct {
	mu    sync.RWMutex
	db    countryDB
	cache *lru.Cache
}

// Open opens the database at path. If cacheSize <= 0, 65536 is used.
func Open(path string, cacheSize int) (*Lookup, error) {
	slog.Debug("opening GeoIP database", "path", path, "cache_size", cacheSize)
	db, err := geoip2.Open(path)
	if err != nil {
		slog.Error("GeoIP database open failed", "path", path, "err", err)
		return nil, err
	}
	slog.Info("GeoIP database opened", "path", path)
	return newLookup(db, cacheSize)
}

func newLookup(db countryDB, cacheSize int) (*Lookup, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Lookup{db: db, cache: cache}, nil
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("GeoIP database close failed", "err", err)
		return err
	}
	slog.Info("GeoIP database closed")
	return nil
}

// NetworkIP returns the network address a prefix key stands for.
func NetworkIP(key types.Key) (net.IP, bool) {
	addr, version, ok := classify.PrefixAddr(key)
	if !ok {
		return nil, false
	}
	if version == 4 {
		return net.IPv4(addr[0], addr[1], addr[2], addr[3]), true
	}
	return net.IP(addr[:]), true
}

// Country returns the country code of the network behind a prefix key.
func (l *Lookup) Country(key types.Key) string {
	if l == nil {
		return Unknown
	}
	if cc, ok := l.cache.Get(key); ok {
		return cc.(string)
	}
	ip, ok := NetworkIP(key)
	if !ok {
		return Unknown
	}
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		slog.Warn("GeoIP lookup after close", "ip", ip.String())
		return Unknown
	}
	cc := Unknown
	record, err := db.Country(ip)
	switch {
	case err != nil:
		slog.Warn("GeoIP country lookup failed", "ip", ip.String(), "err", err)
	case record.Country.IsoCode != "":
		cc = record.Country.IsoCode
	}
	slog.Debug("GeoIP cache miss", "ip", ip.String(), "country", cc)
	l.cache.Add(key, cc)
	return cc
}

// Cached reports how many keys currently have a cached answer.
func (l *Lookup) Cached() int {
	if l == nil {
		return 0
	}
	return l.cache.Len()
}
