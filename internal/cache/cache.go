// Package cache provides the bounded in-memory caches used for route match
// results and sticky-session tables.
package cache

// Store is the minimal key/value contract shared by the caches in this package
type Store[K comparable, V any] interface {
	// Get retrieves a value from the cache
	Get(key K) (V, bool)

	// Set stores a value, evicting the oldest entries when over capacity
	Set(key K, value V)

	// Delete removes a value from the cache
	Delete(key K)

	// Clear removes all entries from the cache
	Clear()

	// Len returns the number of live entries
	Len() int
}

// Observer receives cache events, typically to feed metrics
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
	CacheEvicted(name string, n int)
}

// Config holds common cache configuration
type Config struct {
	// Name identifies the cache in metrics and logs
	Name string

	// Capacity is the number of entries kept before eviction kicks in
	Capacity int

	// EvictFraction is the share of entries dropped, oldest first, once
	// Capacity is exceeded. At least one entry is always evicted.
	EvictFraction float64

	// Observer is optional
	Observer Observer
}

const (
	DefaultCapacity      = 1000
	DefaultEvictFraction = 0.1
)

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Name:          "default",
		Capacity:      DefaultCapacity,
		EvictFraction: DefaultEvictFraction,
	}
}
