package cache

import (
	"sync"
)

// MemoryCache is an insertion-ordered cache with a hard capacity. When a Set
// pushes it past capacity, the oldest EvictFraction of entries are dropped in
// one batch. Updating an existing key keeps its original position.
type MemoryCache[K comparable, V any] struct {
	config *Config

	mu    sync.Mutex
	items map[K]*memoryCacheItem[V]
	order []orderEntry[K]
	seq   uint64
}

type memoryCacheItem[V any] struct {
	value V
	seq   uint64
}

type orderEntry[K comparable] struct {
	key K
	seq uint64
}

var _ Store[string, int] = (*MemoryCache[string, int])(nil)

// NewMemoryCache creates a new bounded in-memory cache
func NewMemoryCache[K comparable, V any](config *Config) *MemoryCache[K, V] {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.EvictFraction <= 0 || config.EvictFraction > 1 {
		config.EvictFraction = DefaultEvictFraction
	}

	return &MemoryCache[K, V]{
		config: config,
		items:  make(map[K]*memoryCacheItem[V], config.Capacity),
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache[K, V]) Get(key K) (V, bool) {
	mc.mu.Lock()
	item, ok := mc.items[key]
	mc.mu.Unlock()

	if obs := mc.config.Observer; obs != nil {
		if ok {
			obs.CacheHit(mc.config.Name)
		} else {
			obs.CacheMiss(mc.config.Name)
		}
	}

	if !ok {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores a value in the cache
func (mc *MemoryCache[K, V]) Set(key K, value V) {
	mc.mu.Lock()

	if item, ok := mc.items[key]; ok {
		item.value = value
		mc.mu.Unlock()
		return
	}

	mc.seq++
	mc.items[key] = &memoryCacheItem[V]{value: value, seq: mc.seq}
	mc.order = append(mc.order, orderEntry[K]{key: key, seq: mc.seq})

	evicted := 0
	if len(mc.items) > mc.config.Capacity {
		evicted = mc.evictLocked()
	}
	mc.mu.Unlock()

	if evicted > 0 && mc.config.Observer != nil {
		mc.config.Observer.CacheEvicted(mc.config.Name, evicted)
	}
}

// evictLocked drops the oldest entries. Order entries whose key was deleted
// or re-inserted since are skipped without counting.
func (mc *MemoryCache[K, V]) evictLocked() int {
	target := int(float64(mc.config.Capacity) * mc.config.EvictFraction)
	if target < 1 {
		target = 1
	}

	evicted, i := 0, 0
	for ; i < len(mc.order) && evicted < target; i++ {
		e := mc.order[i]
		item, ok := mc.items[e.key]
		if !ok || item.seq != e.seq {
			continue
		}
		delete(mc.items, e.key)
		evicted++
	}
	mc.order = append(mc.order[:0:0], mc.order[i:]...)
	return evicted
}

// Delete removes a value from the cache
func (mc *MemoryCache[K, V]) Delete(key K) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	// stale order entries are skipped on eviction; compact when they pile up
	if len(mc.order) > 2*len(mc.items)+mc.config.Capacity {
		mc.compactLocked()
	}
}

func (mc *MemoryCache[K, V]) compactLocked() {
	live := mc.order[:0:0]
	for _, e := range mc.order {
		if item, ok := mc.items[e.key]; ok && item.seq == e.seq {
			live = append(live, e)
		}
	}
	mc.order = live
}

// Clear removes all entries from the cache
func (mc *MemoryCache[K, V]) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.items = make(map[K]*memoryCacheItem[V], mc.config.Capacity)
	mc.order = nil
}

// Len returns the number of live entries
func (mc *MemoryCache[K, V]) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.items)
}

// Keys returns live keys from oldest to newest
func (mc *MemoryCache[K, V]) Keys() []K {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	keys := make([]K, 0, len(mc.items))
	for _, e := range mc.order {
		if item, ok := mc.items[e.key]; ok && item.seq == e.seq {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Capacity returns the configured capacity
func (mc *MemoryCache[K, V]) Capacity() int {
	return mc.config.Capacity
}
