// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package geoip

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktclass-exporter-ebpf/internal/types"
)

type fakeDB struct {
	countries map[string]string
	queries   int
	closed    bool
}

func (f *fakeDB) Country(ip net.IP) (*geoip2.Country, error) {
	f.queries++
	cc, ok := f.countries[ip.String()]
	if !ok {
		return nil, errors.New("no record")
	}
	rec := &geoip2.Country{}
	rec.Country.IsoCode = cc
	return rec, nil
}

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

func v4Key(a, b, c byte) types.Key {
	return types.Key(4<<24 | uint32(a)<<16 | uint32(b)<<8 | uint32(c))
}

func TestNetworkIP(t *testing.T) {
	ip, ok := NetworkIP(v4Key(192, 0, 2))
	require.True(t, ok)
	assert.Equal(t, "192.0.2.0", ip.String())

	ip, ok = NetworkIP(types.Key(6<<24 | 0x20010d))
	require.True(t, ok)
	assert.Equal(t, "2001:d00::", ip.String())

	_, ok = NetworkIP(types.DefaultKey)
	assert.False(t, ok)
}

func TestCountryCachesAnswers(t *testing.T) {
	db := &fakeDB{countries: map[string]string{"192.0.2.0": "NL"}}
	l, err := newLookup(db, 8)
	require.NoError(t, err)

	assert.Equal(t, "NL", l.Country(v4Key(192, 0, 2)))
	assert.Equal(t, "NL", l.Country(v4Key(192, 0, 2)))
	assert.Equal(t, 1, db.queries)

	assert.Equal(t, Unknown, l.Country(v4Key(198, 51, 100)))
	assert.Equal(t, Unknown, l.Country(v4Key(198, 51, 100)))
	assert.Equal(t, 2, db.queries, "failed lookups are cached too")
	assert.Equal(t, 2, l.Cached())
}

func TestCountryEvictsOldest(t *testing.T) {
	db := &fakeDB{countries: map[string]string{}}
	l, err := newLookup(db, 2)
	require.NoError(t, err)

	l.Country(v4Key(10, 0, 1))
	l.Country(v4Key(10, 0, 2))
	l.Country(v4Key(10, 0, 3))
	assert.Equal(t, 2, l.Cached())
	assert.Equal(t, 3, db.queries)

	l.Country(v4Key(10, 0, 1))
	assert.Equal(t, 4, db.queries, "evicted key is looked up again")
}

func TestCountryWithoutPrefixOrDB(t *testing.T) {
	var nilLookup *Lookup
	assert.Equal(t, Unknown, nilLookup.Country(v4Key(1, 2, 3)))
	assert.NoError(t, nilLookup.Close())

	db := &fakeDB{countries: map[string]string{"192.0.2.0": "NL"}}
	l, err := newLookup(db, 0)
	require.NoError(t, err)
	assert.Equal(t, Unknown, l.Country(types.Key(0x0800_11)))
	assert.Zero(t, db.queries)

	require.NoError(t, l.Close())
	assert.True(t, db.closed)
	assert.Equal(t, Unknown, l.Country(v4Key(192, 0, 2)))
	assert.NoError(t, l.Close())
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"), 0)
	assert.Error(t, err)
}
