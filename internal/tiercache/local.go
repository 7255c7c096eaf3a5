// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package tiercache

import (
	"container/list"
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Category buckets cache traffic for metrics. One category per query kind.
type Category string

const (
	CategoryAncestors Category = "ancestors"
	CategoryChildren  Category = "children"
	CategoryEntities  Category = "entities"
	CategorySearch    Category = "search"
)

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/atlas/internal/tiercache")

	var err error

	cacheHits, err = meter.Int64Counter(
		"atlas.cache.hits",
		metric.WithDescription("Number of local cache hits"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.hits counter: %v", err)
	}

	cacheMisses, err = meter.Int64Counter(
		"atlas.cache.misses",
		metric.WithDescription("Number of local cache misses"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.misses counter: %v", err)
	}

	cacheEvictions, err = meter.Int64Counter(
		"atlas.cache.evictions",
		metric.WithDescription("Number of local cache evictions"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.evictions counter: %v", err)
	}
}

type entry struct {
	key        string
	value      []byte
	category   Category
	insertedAt time.Time
	ttl        time.Duration
}

// Local is a bounded strict-LRU cache with lazy per-entry TTL expiry.
// Recency is a doubly-linked list: front is most recent, back is the
// eviction candidate. Every operation is O(1) under one mutex sized to the
// get/set path. Thread-safe for concurrent access.
type Local struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List

	hits         int64
	misses       int64
	evictions    int64
	categoryHits map[Category]int64

	now func() time.Time
}

// NewLocal creates a Local with the given entry capacity. Capacity must be
// positive; an inserting caller past capacity evicts exactly one entry.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		panic("tiercache: capacity must be positive")
	}
	return &Local{
		capacity:     capacity,
		entries:      make(map[string]*list.Element, capacity),
		order:        list.New(),
		categoryHits: make(map[Category]int64),
		now:          time.Now,
	}
}

// Get returns the cached value and whether it was a hit. An expired entry is
// removed and reported as a miss; it is never counted as a hit. A hit moves
// the entry to the most-recent position.
func (l *Local) Get(key string) ([]byte, bool) {
	ctx := context.Background()

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[key]
	if !ok {
		l.misses++
		cacheMisses.Add(ctx, 1)
		return nil, false
	}

	e := elem.Value.(*entry)
	if l.expired(e) {
		l.removeLocked(elem)
		l.misses++
		cacheMisses.Add(ctx, 1)
		return nil, false
	}

	l.order.MoveToFront(elem)
	l.hits++
	l.categoryHits[e.category]++
	cacheHits.Add(ctx, 1)
	return e.value, true
}

// Set inserts or refreshes an entry, moving it to the most-recent position.
// Inserting past capacity evicts the least-recently-used entry and
// increments the eviction counter exactly once.
func (l *Local) Set(key string, value []byte, ttl time.Duration, category Category) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.category = category
		e.insertedAt = l.now()
		e.ttl = ttl
		l.order.MoveToFront(elem)
		return
	}

	elem := l.order.PushFront(&entry{
		key:        key,
		value:      value,
		category:   category,
		insertedAt: l.now(),
		ttl:        ttl,
	})
	l.entries[key] = elem

	if l.order.Len() > l.capacity {
		l.evictLRULocked()
	}
}

// Invalidate removes a single key if present.
func (l *Local) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		l.removeLocked(elem)
	}
}

// InvalidatePrefix removes every key with the given prefix and returns how
// many were dropped. Invalidations are not evictions and do not touch the
// eviction counter.
func (l *Local) InvalidatePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, elem := range l.entries {
		if strings.HasPrefix(key, prefix) {
			l.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Local) expired(e *entry) bool {
	return e.ttl > 0 && l.now().Sub(e.insertedAt) >= e.ttl
}

func (l *Local) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	l.order.Remove(elem)
	delete(l.entries, e.key)
}

func (l *Local) evictLRULocked() {
	back := l.order.Back()
	if back == nil {
		return
	}
	l.removeLocked(back)
	l.evictions++
	cacheEvictions.Add(context.Background(), 1)
}

func (l *Local) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	perCategory := make(map[Category]int64, len(l.categoryHits))
	for k, v := range l.categoryHits {
		perCategory[k] = v
	}

	total := l.hits + l.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(l.hits) / float64(total)
	}

	return Stats{
		Hits:            l.hits,
		Misses:          l.misses,
		Evictions:       l.evictions,
		HitRate:         hitRate,
		PerCategoryHits: perCategory,
		Entries:         l.order.Len(),
	}
}
