package observability

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedMemory(heap uint64) func() runtime.MemStats {
	return func() runtime.MemStats {
		return runtime.MemStats{HeapAlloc: heap, HeapSys: heap * 2, Sys: heap * 3}
	}
}

func TestStatsPercentiles(t *testing.T) {
	s := NewStats(nil)
	s.readMem = fixedMemory(1 << 20)

	for i := 1; i <= 100; i++ {
		s.Begin()
		s.End(time.Duration(i)*time.Millisecond, false)
	}

	snap := s.Snapshot()
	assert.EqualValues(t, 100, snap.Requests.Total)
	assert.Zero(t, snap.Requests.Active)
	assert.InDelta(t, 50.5, snap.ResponseTime.Avg, 0.01)
	assert.InDelta(t, 50, snap.ResponseTime.P50, 0.01)
	assert.InDelta(t, 90, snap.ResponseTime.P90, 0.01)
	assert.InDelta(t, 99, snap.ResponseTime.P99, 0.01)
	assert.True(t, snap.Healthy)
	assert.Empty(t, snap.Alarms)
}

func TestStatsRingBufferIsBounded(t *testing.T) {
	s := NewStats(&StatsConfig{Samples: 10, ErrorRateThreshold: 0.05, MinRequests: 20})
	s.readMem = fixedMemory(0)

	for i := 0; i < 50; i++ {
		s.Begin()
		s.End(time.Second, false)
	}
	for i := 0; i < 10; i++ {
		s.Begin()
		s.End(time.Millisecond, false)
	}

	snap := s.Snapshot()
	assert.EqualValues(t, 60, snap.Requests.Total)
	assert.InDelta(t, 1, snap.ResponseTime.Avg, 0.01, "only the last 10 samples count")
}

func TestStatsAlarms(t *testing.T) {
	s := NewStats(&StatsConfig{
		Samples:            100,
		LatencyThreshold:   10 * time.Millisecond,
		ErrorRateThreshold: 0.05,
		MinRequests:        20,
		MemoryLimit:        1 << 20,
	})
	s.readMem = fixedMemory(2 << 20)

	// below the minimum request count the error rate is not judged
	for i := 0; i < 5; i++ {
		s.Begin()
		s.End(50*time.Millisecond, true)
	}
	snap := s.Snapshot()
	assert.ElementsMatch(t, []string{AlarmHighLatency, AlarmHighMemory}, snap.Alarms)

	for i := 0; i < 20; i++ {
		s.Begin()
		s.End(50*time.Millisecond, false)
	}
	snap = s.Snapshot()
	assert.ElementsMatch(t, []string{AlarmHighLatency, AlarmHighErrorRate, AlarmHighMemory}, snap.Alarms)
	assert.False(t, snap.Healthy)
}

func TestHealthHandler(t *testing.T) {
	s := NewStats(nil)
	s.readMem = fixedMemory(1024)
	h := HealthHandler(&HealthConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stats:    s,
		WorkerID: "3",
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/_health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "3", body["worker_id"])
	for _, key := range []string{"uptime", "requests", "response_time", "memory", "alarms"} {
		assert.Contains(t, body, key)
	}

	s.readMem = fixedMemory(1 << 40)
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/_health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), AlarmHighMemory)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics(&MetricsConfig{Namespace: "test"})
	m.RequestStarted()
	m.RequestFinished("GET", "/api/[model]", 200, 5*time.Millisecond, false)
	m.RequestStarted()
	m.RequestFinished("GET", "", 408, time.Second, true)
	m.CacheHit("routes")
	m.CacheMiss("routes")
	m.CacheEvicted("routes", 10)
	m.RoutesReloaded(nil, time.Millisecond)
	m.RoutesReloaded(errors.New("x"), time.Millisecond)
	m.WorkerAdded()
	m.WorkerReported(1, 0.5, 3, 1024)
	m.WorkerRestarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`test_http_requests_total{method="GET",route="/api/[model]",status="200"} 1`,
		`test_http_requests_total{method="GET",route="unmatched",status="408"} 1`,
		`test_http_request_timeouts_total 1`,
		`test_http_requests_active 0`,
		`test_cache_evictions_total{cache="routes"} 10`,
		`test_routes_reloads_total{result="error"} 1`,
		`test_worker_connections{worker="1"} 3`,
		`test_worker_restarts_total 1`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}

	m.WorkerRemoved(1)
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_metrics", nil))
	assert.NotContains(t, rec.Body.String(), `test_worker_connections{worker="1"}`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestStarted()
		m.RequestFinished("GET", "/", 200, time.Millisecond, false)
		m.CacheHit("routes")
		m.WorkerReported(1, 0, 0, 0)
		m.WorkerRemoved(1)
		m.RoutesReloaded(nil, 0)
	})
}

func TestRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id := RequestID(r)
	assert.Len(t, id, 36)

	r.Header.Set(RequestIDHeader, "client-id")
	assert.Equal(t, "client-id", RequestID(r))

	r.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	assert.Len(t, RequestID(r), 36)
}
