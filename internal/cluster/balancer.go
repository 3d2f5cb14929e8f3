// Package cluster spreads connections over a set of workers. The pool owns
// the worker records; workers only ever talk to it through report messages.
package cluster

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fsroute/fsroute/internal/cache"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown load balancing algorithm")
	ErrNoWorkers        = errors.New("no workers available")
)

// Algorithm names a worker selection strategy
type Algorithm string

const (
	RoundRobin       Algorithm = "round-robin"
	LeastConnections Algorithm = "least-connections"
	LeastCPU         Algorithm = "least-cpu"
	FastestResponse  Algorithm = "fastest-response"
)

// Algorithms lists every supported algorithm
var Algorithms = []Algorithm{RoundRobin, LeastConnections, LeastCPU, FastestResponse}

// ParseAlgorithm accepts the algorithm names case-insensitively
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if a == "" {
		return RoundRobin, nil
	}
	for _, known := range Algorithms {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// WorkerRecord is the coordinator's view of one worker
type WorkerRecord struct {
	ID                int       `json:"id"`
	Load              float64   `json:"load"`
	ActiveConnections int       `json:"active_connections"`
	LastActivity      time.Time `json:"last_activity"`
	Memory            uint64    `json:"memory"`
}

// Report is the periodic message a worker sends to the pool
type Report struct {
	WorkerID     int
	Load         float64
	Connections  int
	Memory       uint64
	LastActivity time.Time
}

// Selector returns an index into records. records is never empty and is
// ordered by worker id.
type Selector func(records []WorkerRecord, cursor uint64) int

// SelectRoundRobin cycles through the records one step per call
func SelectRoundRobin(records []WorkerRecord, cursor uint64) int {
	return int(cursor % uint64(len(records)))
}

// SelectLeastConnections picks the fewest active connections
func SelectLeastConnections(records []WorkerRecord, _ uint64) int {
	best := 0
	for i := 1; i < len(records); i++ {
		if records[i].ActiveConnections < records[best].ActiveConnections {
			best = i
		}
	}
	return best
}

// SelectLeastCPU picks the lowest reported load
func SelectLeastCPU(records []WorkerRecord, _ uint64) int {
	best := 0
	for i := 1; i < len(records); i++ {
		if records[i].Load < records[best].Load {
			best = i
		}
	}
	return best
}

// SelectFastestResponse picks the least recently active worker
func SelectFastestResponse(records []WorkerRecord, _ uint64) int {
	best := 0
	for i := 1; i < len(records); i++ {
		if records[i].LastActivity.Before(records[best].LastActivity) {
			best = i
		}
	}
	return best
}

func selectorFor(a Algorithm) (Selector, error) {
	switch a {
	case RoundRobin:
		return SelectRoundRobin, nil
	case LeastConnections:
		return SelectLeastConnections, nil
	case LeastCPU:
		return SelectLeastCPU, nil
	case FastestResponse:
		return SelectFastestResponse, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a)
}

const (
	DefaultStickyCapacity = 10000
	stickyEvictFraction   = 0.1
)

// StickyTable maps client identifiers to the worker that served them first
type StickyTable struct {
	entries *cache.MemoryCache[string, int]
}

// NewStickyTable creates a table holding at most capacity clients
func NewStickyTable(capacity int, observer cache.Observer) *StickyTable {
	if capacity <= 0 {
		capacity = DefaultStickyCapacity
	}
	return &StickyTable{
		entries: cache.NewMemoryCache[string, int](&cache.Config{
			Name:          "sticky",
			Capacity:      capacity,
			EvictFraction: stickyEvictFraction,
			Observer:      observer,
		}),
	}
}

// Lookup returns the worker bound to client if it is still alive. Mappings
// to dead workers are dropped.
func (s *StickyTable) Lookup(client string, alive func(id int) bool) (int, bool) {
	id, ok := s.entries.Get(client)
	if !ok {
		return 0, false
	}
	if !alive(id) {
		s.entries.Delete(client)
		return 0, false
	}
	return id, true
}

// Bind maps client to worker id
func (s *StickyTable) Bind(client string, id int) {
	s.entries.Set(client, id)
}

// Len returns the number of mappings
func (s *StickyTable) Len() int {
	return s.entries.Len()
}

// BalancerConfig configures a Balancer
type BalancerConfig struct {
	Algorithm      Algorithm
	StickySessions bool
	StickyCapacity int
	CacheObserver  cache.Observer
}

// Balancer applies an algorithm and the sticky table to a record set. It is
// not safe for concurrent use; the pool serializes calls.
type Balancer struct {
	algorithm Algorithm
	selector  Selector
	sticky    *StickyTable
	cursor    uint64
}

// NewBalancer creates a balancer
func NewBalancer(config *BalancerConfig) (*Balancer, error) {
	if config == nil {
		config = &BalancerConfig{Algorithm: RoundRobin}
	}
	algorithm, err := ParseAlgorithm(string(config.Algorithm))
	if err != nil {
		return nil, err
	}
	selector, err := selectorFor(algorithm)
	if err != nil {
		return nil, err
	}

	b := &Balancer{algorithm: algorithm, selector: selector}
	if config.StickySessions {
		b.sticky = NewStickyTable(config.StickyCapacity, config.CacheObserver)
	}
	return b, nil
}

// Algorithm returns the configured algorithm
func (b *Balancer) Algorithm() Algorithm {
	return b.algorithm
}

// Select picks a worker id from records. client may be empty.
func (b *Balancer) Select(records []WorkerRecord, client string) (int, error) {
	if len(records) == 0 {
		return 0, ErrNoWorkers
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	if b.sticky != nil && client != "" {
		alive := func(id int) bool {
			for _, r := range records {
				if r.ID == id {
					return true
				}
			}
			return false
		}
		if id, ok := b.sticky.Lookup(client, alive); ok {
			return id, nil
		}
	}

	id := records[b.selector(records, b.cursor)].ID
	b.cursor++

	if b.sticky != nil && client != "" {
		b.sticky.Bind(client, id)
	}
	return id, nil
}
