// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

// Package cache implements the watchtower's bounded, TTL-evicting stores:
// BoundedHashCache (a set of 32-byte hashes) and BoundedMapCache (hash to
// value). Both are the same generic type, Bounded[V], the way the
// teacher's span store keeps one parameterized store shape rather than
// duplicating logic per index.
//
// Eviction is oldest-insertion-first, not least-recently-used: the
// teacher's own span store is backed by hashicorp/golang-lru, but LRU
// evicts by recency of *access*, which is the wrong policy for a
// security dedupe cache where a popular, still-valid hash must not be
// evicted just because it keeps getting looked up. The scan-on-insert
// here is the hand-rolled consequence of that divergence; see
// DESIGN.md.
package cache

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// warnThreshold is the fraction of max_size at which Bounded starts
// logging and counting capacity-pressure warnings.
const warnThreshold = 0.8

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Bounded is a capacity-capped, TTL-evicting key/value store keyed by a
// 32-byte hash. BoundedHashCache and BoundedMapCache are both this type,
// the former with V = struct{}.
type Bounded[V any] struct {
	mu      sync.Mutex
	name    string
	maxSize int
	ttl     time.Duration
	items   map[common.Hash]*entry[V]
	bloom   *bloomfilter.Filter

	sizeGauge   metrics.Gauge
	warnCounter metrics.Counter
}

// BoundedHashCache is a set of hashes: the map-cache with no payload.
type BoundedHashCache = Bounded[struct{}]

// BoundedMapCache is a hash-to-value store, used as the retry queue.
type BoundedMapCache[V any] = Bounded[V]

// New builds a Bounded store. sizeGauge and warnCounter may be nil, in
// which case metrics are simply not recorded (used by tests).
func New[V any](name string, maxSize int, ttl time.Duration, sizeGauge metrics.Gauge, warnCounter metrics.Counter) *Bounded[V] {
	var bloom *bloomfilter.Filter
	if maxSize > 0 {
		// Oversize relative to maxSize to keep the false-positive rate low
		// across the cache's full lifetime, not just at maxSize occupancy.
		if f, err := bloomfilter.New(uint64(maxSize)*10, 6); err == nil {
			bloom = f
		}
	}
	return &Bounded[V]{
		name:        name,
		maxSize:     maxSize,
		ttl:         ttl,
		items:       make(map[common.Hash]*entry[V]),
		bloom:       bloom,
		sizeGauge:   sizeGauge,
		warnCounter: warnCounter,
	}
}

// NewHashCache is New specialized for the struct{} (set-only) case.
func NewHashCache(name string, maxSize int, ttl time.Duration, sizeGauge metrics.Gauge, warnCounter metrics.Counter) *BoundedHashCache {
	return New[struct{}](name, maxSize, ttl, sizeGauge, warnCounter)
}

// Insert adds k (with value v) to the store. If k is already present its
// value and insertion instant are refreshed in place, so re-inserting a
// present key never grows the store's length. Otherwise, at capacity,
// the entry with the oldest insertion instant is evicted first.
func (b *Bounded[V]) Insert(k common.Hash, v V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reapLocked()

	now := time.Now()
	if e, ok := b.items[k]; ok {
		e.value = v
		e.insertedAt = now
		return
	}

	if b.maxSize > 0 && len(b.items) >= b.maxSize {
		b.evictOldestLocked()
	}

	b.items[k] = &entry[V]{value: v, insertedAt: now}
	if b.bloom != nil {
		b.bloom.Add(hashKey(k))
	}
	b.updateMetricsLocked()
}

// InsertHash is Insert for BoundedHashCache, where there is no payload.
func (b *BoundedHashCache) InsertHash(k common.Hash) {
	b.Insert(k, struct{}{})
}

// Contains reports whether k is present and not TTL-expired, removing it
// in-line if it has expired.
func (b *Bounded[V]) Contains(k common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bloom != nil && !b.bloom.Contains(hashKey(k)) {
		return false
	}

	e, ok := b.items[k]
	if !ok {
		return false
	}
	if b.ttl > 0 && time.Since(e.insertedAt) > b.ttl {
		delete(b.items, k)
		b.updateMetricsLocked()
		return false
	}
	return true
}

// Get returns the value stored for k, if present and unexpired.
func (b *Bounded[V]) Get(k common.Hash) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero V
	e, ok := b.items[k]
	if !ok {
		return zero, false
	}
	if b.ttl > 0 && time.Since(e.insertedAt) > b.ttl {
		delete(b.items, k)
		b.updateMetricsLocked()
		return zero, false
	}
	return e.value, true
}

// TakeAll returns and removes every unexpired entry, used at the start
// of a retry cycle to drain the queue into a local working list.
func (b *Bounded[V]) TakeAll() map[common.Hash]V {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[common.Hash]V, len(b.items))
	for k, e := range b.items {
		if b.ttl <= 0 || time.Since(e.insertedAt) <= b.ttl {
			out[k] = e.value
		} else {
			log.Error("cache entry dropped: ttl expired", "cache", b.name, "key", k)
		}
	}
	b.items = make(map[common.Hash]*entry[V])
	b.updateMetricsLocked()
	return out
}

// Clear removes every entry.
func (b *Bounded[V]) Clear() {
	b.mu.Lock()
	b.items = make(map[common.Hash]*entry[V])
	b.updateMetricsLocked()
	b.mu.Unlock()
}

// Len returns the current, non-expiry-filtered entry count.
func (b *Bounded[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Reap eagerly evicts every TTL-expired entry and returns how many were
// removed. The WatcherLoop calls this once per cycle on the dedupe
// caches; Insert also reaps every expired entry before inserting, and
// Contains drops an expired entry it looks up.
func (b *Bounded[V]) Reap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.reapLocked()
	if n > 0 {
		b.updateMetricsLocked()
	}
	return n
}

func (b *Bounded[V]) reapLocked() int {
	if b.ttl <= 0 {
		return 0
	}
	removed := 0
	now := time.Now()
	for k, e := range b.items {
		if now.Sub(e.insertedAt) > b.ttl {
			delete(b.items, k)
			removed++
		}
	}
	return removed
}

func (b *Bounded[V]) evictOldestLocked() {
	var oldestKey common.Hash
	var oldestAt time.Time
	first := true
	for k, e := range b.items {
		if first || e.insertedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.insertedAt
			first = false
		}
	}
	if !first {
		delete(b.items, oldestKey)
	}
}

func (b *Bounded[V]) updateMetricsLocked() {
	n := len(b.items)
	if b.sizeGauge != nil {
		b.sizeGauge.Update(int64(n))
	}
	if b.maxSize > 0 && float64(n) >= warnThreshold*float64(b.maxSize) {
		log.Warn("cache approaching capacity", "cache", b.name, "size", n, "max_size", b.maxSize)
		if b.warnCounter != nil {
			b.warnCounter.Inc(1)
		}
	}
}

// hashKey adapts a common.Hash into the hash.Hash64 the bloom filter
// expects, using the hash's own leading bytes as the 64-bit digest
// rather than rehashing it.
type hashKey common.Hash

func (h hashKey) Write(p []byte) (int, error) { return len(p), nil }
func (h hashKey) Sum(b []byte) []byte         { return append(b, h[:]...) }
func (h hashKey) Reset()                      {}
func (h hashKey) Size() int                   { return 32 }
func (h hashKey) BlockSize() int              { return 32 }
func (h hashKey) Sum64() uint64               { return binary.BigEndian.Uint64(h[:8]) }
