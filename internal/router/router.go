// Package router resolves requests against routes discovered from a directory
// tree. A Router publishes immutable snapshots of a route Table together with
// a match cache, so a reload swaps both atomically.
package router

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsroute/fsroute/internal/cache"
)

// Config holds router configuration
type Config struct {
	Logger *slog.Logger

	// CacheSize bounds the match cache of each snapshot
	CacheSize int

	// CacheObserver receives cache hit/miss/eviction events
	CacheObserver cache.Observer
}

// DefaultConfig returns a default router configuration
func DefaultConfig() *Config {
	return &Config{
		Logger:    slog.Default(),
		CacheSize: cache.DefaultCapacity,
	}
}

// RouteCache memoizes match results by method and normalized path
type RouteCache struct {
	store *cache.MemoryCache[string, Match]
}

// NewRouteCache creates a cache holding up to size results
func NewRouteCache(size int, observer cache.Observer) *RouteCache {
	return &RouteCache{
		store: cache.NewMemoryCache[string, Match](&cache.Config{
			Name:          "routes",
			Capacity:      size,
			EvictFraction: cache.DefaultEvictFraction,
			Observer:      observer,
		}),
	}
}

func cacheKey(method, path string) string {
	return method + " " + path
}

// Get returns a cached result
func (rc *RouteCache) Get(method, path string) (Match, bool) {
	return rc.store.Get(cacheKey(method, path))
}

// Put stores a result. NotFound results are not cached so that arbitrary
// probes cannot flush useful entries.
func (rc *RouteCache) Put(method, path string, m Match) {
	if m.Status == NotFound {
		return
	}
	rc.store.Set(cacheKey(method, path), m)
}

// Len returns the number of cached results
func (rc *RouteCache) Len() int {
	return rc.store.Len()
}

type snapshot struct {
	table      *Table
	cache      *RouteCache
	generation uint64
	loadedAt   time.Time
}

// Router serves matches from the current snapshot
type Router struct {
	config  *Config
	logger  *slog.Logger
	current atomic.Pointer[snapshot]
}

// New creates a router with an empty table
func New(config *Config) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.CacheSize <= 0 {
		config.CacheSize = cache.DefaultCapacity
	}

	r := &Router{config: config, logger: config.Logger}
	r.current.Store(&snapshot{
		table:    NewTable(),
		cache:    NewRouteCache(config.CacheSize, config.CacheObserver),
		loadedAt: time.Now(),
	})
	return r
}

// Swap publishes t with a fresh, empty cache
func (r *Router) Swap(t *Table) {
	prev := r.current.Load()
	next := &snapshot{
		table:      t,
		cache:      NewRouteCache(r.config.CacheSize, r.config.CacheObserver),
		generation: prev.generation + 1,
		loadedAt:   time.Now(),
	}
	r.current.Store(next)
	r.logger.Debug("route table swapped",
		"generation", next.generation,
		"routes", t.Len(),
	)
}

// Match resolves a request, consulting the snapshot's cache first. The
// returned Params map is shared with the cache and must not be modified.
func (r *Router) Match(method, path string) Match {
	snap := r.current.Load()
	method = strings.ToUpper(method)
	p := NormalizePath(path)

	if m, ok := snap.cache.Get(method, p); ok {
		return m
	}
	m := snap.table.Match(method, p)
	snap.cache.Put(method, p, m)
	return m
}

// Table returns the current route table
func (r *Router) Table() *Table {
	return r.current.Load().table
}

// Generation counts swaps since the router was created
func (r *Router) Generation() uint64 {
	return r.current.Load().generation
}

// LoadedAt returns when the current table was published
func (r *Router) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// CacheLen returns the size of the current match cache
func (r *Router) CacheLen() int {
	return r.current.Load().cache.Len()
}
