package observability

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Alarm names reported by Stats.Snapshot
const (
	AlarmHighLatency   = "high_latency"
	AlarmHighErrorRate = "high_error_rate"
	AlarmHighMemory    = "high_memory"
)

// StatsConfig holds thresholds for health alarms
type StatsConfig struct {
	// Samples is the size of the response time ring buffer
	Samples int

	// LatencyThreshold raises high_latency when the average exceeds it
	LatencyThreshold time.Duration

	// ErrorRateThreshold raises high_error_rate once MinRequests were seen
	ErrorRateThreshold float64
	MinRequests        int64

	// MemoryLimit raises high_memory when heap usage exceeds it (0 = off)
	MemoryLimit uint64
}

// DefaultStatsConfig returns the default thresholds
func DefaultStatsConfig() *StatsConfig {
	return &StatsConfig{
		Samples:            1000,
		LatencyThreshold:   100 * time.Millisecond,
		ErrorRateThreshold: 0.05,
		MinRequests:        20,
		MemoryLimit:        512 << 20,
	}
}

// ringBuffer is a fixed-size circular buffer for duration samples
type ringBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]time.Duration, size)}
}

func (rb *ringBuffer) add(v time.Duration) {
	rb.data[rb.pos] = v
	rb.pos = (rb.pos + 1) % len(rb.data)
	if rb.pos == 0 {
		rb.full = true
	}
}

func (rb *ringBuffer) values() []time.Duration {
	if rb.full {
		return rb.data
	}
	return rb.data[:rb.pos]
}

// Stats tracks request counters and response times for the health surface
type Stats struct {
	config *StatsConfig
	start  time.Time

	total  atomic.Int64
	active atomic.Int64
	errors atomic.Int64

	mu      sync.Mutex
	samples *ringBuffer

	readMem func() runtime.MemStats
}

// NewStats creates a stats tracker
func NewStats(config *StatsConfig) *Stats {
	if config == nil {
		config = DefaultStatsConfig()
	}
	if config.Samples <= 0 {
		config.Samples = 1000
	}
	return &Stats{
		config:  config,
		start:   time.Now(),
		samples: newRingBuffer(config.Samples),
		readMem: func() runtime.MemStats {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m
		},
	}
}

// Begin marks a request as in flight
func (s *Stats) Begin() {
	s.active.Add(1)
}

// End records a finished request
func (s *Stats) End(d time.Duration, failed bool) {
	s.active.Add(-1)
	s.total.Add(1)
	if failed {
		s.errors.Add(1)
	}
	s.mu.Lock()
	s.samples.add(d)
	s.mu.Unlock()
}

// RequestStats is the request section of a snapshot
type RequestStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	Errors int64 `json:"errors"`
}

// ResponseTimeStats is expressed in milliseconds
type ResponseTimeStats struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

// MemoryStats is expressed in bytes
type MemoryStats struct {
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapSys   uint64 `json:"heap_sys"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"num_gc"`
}

// Snapshot is a point-in-time view of Stats
type Snapshot struct {
	Healthy      bool              `json:"healthy"`
	Uptime       string            `json:"uptime"`
	Requests     RequestStats      `json:"requests"`
	ResponseTime ResponseTimeStats `json:"response_time"`
	Memory       MemoryStats       `json:"memory"`
	Alarms       []string          `json:"alarms"`
	Goroutines   int               `json:"goroutines"`
}

// Snapshot computes percentiles and alarms
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	samples := append([]time.Duration(nil), s.samples.values()...)
	s.mu.Unlock()

	snap := Snapshot{
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Requests: RequestStats{
			Total:  s.total.Load(),
			Active: s.active.Load(),
			Errors: s.errors.Load(),
		},
		ResponseTime: responseTimes(samples),
		Alarms:       []string{},
		Goroutines:   runtime.NumGoroutine(),
	}

	mem := s.readMem()
	snap.Memory = MemoryStats{
		HeapAlloc: mem.HeapAlloc,
		HeapSys:   mem.HeapSys,
		Sys:       mem.Sys,
		NumGC:     mem.NumGC,
	}

	if s.config.LatencyThreshold > 0 && snap.ResponseTime.Avg > ms(s.config.LatencyThreshold) {
		snap.Alarms = append(snap.Alarms, AlarmHighLatency)
	}
	if snap.Requests.Total >= s.config.MinRequests && snap.Requests.Total > 0 {
		rate := float64(snap.Requests.Errors) / float64(snap.Requests.Total)
		if rate > s.config.ErrorRateThreshold {
			snap.Alarms = append(snap.Alarms, AlarmHighErrorRate)
		}
	}
	if s.config.MemoryLimit > 0 && mem.HeapAlloc > s.config.MemoryLimit {
		snap.Alarms = append(snap.Alarms, AlarmHighMemory)
	}
	snap.Healthy = len(snap.Alarms) == 0
	return snap
}

func responseTimes(samples []time.Duration) ResponseTimeStats {
	if len(samples) == 0 {
		return ResponseTimeStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return ResponseTimeStats{
		Avg: round2(ms(sum) / float64(len(samples))),
		P50: round2(ms(percentile(samples, 0.50))),
		P90: round2(ms(percentile(samples, 0.90))),
		P99: round2(ms(percentile(samples, 0.99))),
	}
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
