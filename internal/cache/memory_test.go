package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu                    sync.Mutex
	hits, misses, evicted int
}

func (o *countingObserver) CacheHit(string)  { o.mu.Lock(); o.hits++; o.mu.Unlock() }
func (o *countingObserver) CacheMiss(string) { o.mu.Lock(); o.misses++; o.mu.Unlock() }
func (o *countingObserver) CacheEvicted(_ string, n int) {
	o.mu.Lock()
	o.evicted += n
	o.mu.Unlock()
}

func TestMemoryCacheGetSet(t *testing.T) {
	mc := NewMemoryCache[string, int](nil)

	_, ok := mc.Get("a")
	assert.False(t, ok)

	mc.Set("a", 1)
	v, ok := mc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	mc.Set("a", 2)
	v, _ = mc.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, mc.Len())

	mc.Delete("a")
	_, ok = mc.Get("a")
	assert.False(t, ok)
}

func TestMemoryCacheBulkEvictsOldestTenPercent(t *testing.T) {
	obs := &countingObserver{}
	mc := NewMemoryCache[string, int](&Config{Name: "routes", Capacity: 100, Observer: obs})

	for i := 0; i < 100; i++ {
		mc.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, 100, mc.Len())

	mc.Set("overflow", 100)
	assert.Equal(t, 91, mc.Len())
	assert.Equal(t, 10, obs.evicted)

	for i := 0; i < 10; i++ {
		_, ok := mc.Get(fmt.Sprintf("k%d", i))
		assert.False(t, ok, "k%d should be evicted", i)
	}
	_, ok := mc.Get("k10")
	assert.True(t, ok)
	_, ok = mc.Get("overflow")
	assert.True(t, ok)
}

func TestMemoryCacheUpdateKeepsPosition(t *testing.T) {
	mc := NewMemoryCache[string, int](&Config{Capacity: 3, EvictFraction: 0.1})
	mc.Set("a", 1)
	mc.Set("b", 2)
	mc.Set("c", 3)
	mc.Set("a", 10)

	mc.Set("d", 4) // evicts one entry, the oldest insertion
	_, ok := mc.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b", "c", "d"}, mc.Keys())
}

func TestMemoryCacheReinsertAfterDelete(t *testing.T) {
	mc := NewMemoryCache[string, int](&Config{Capacity: 2})
	mc.Set("a", 1)
	mc.Set("b", 2)
	mc.Delete("a")
	mc.Set("a", 3)

	// the stale order entry for the first "a" must not evict the new one
	mc.Set("c", 4)
	_, ok := mc.Get("a")
	assert.True(t, ok)
	_, ok = mc.Get("b")
	assert.False(t, ok)
}

func TestMemoryCacheClear(t *testing.T) {
	mc := NewMemoryCache[int, int](nil)
	for i := 0; i < 10; i++ {
		mc.Set(i, i)
	}
	mc.Clear()
	assert.Zero(t, mc.Len())
	assert.Empty(t, mc.Keys())
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	mc := NewMemoryCache[int, int](&Config{Capacity: 50})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				mc.Set(g*1000+i, i)
				mc.Get(i)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, mc.Len(), 50)
}
