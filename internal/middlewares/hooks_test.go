package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsroute/fsroute/internal/handlers"
)

func runHook(t *testing.T, hook handlers.Hook, r *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	rec := httptest.NewRecorder()
	rw := handlers.NewResponseWriter(rec)
	cont, err := hook(rw, r, handlers.NewRequestContext("test"))
	require.NoError(t, err)
	require.NoError(t, rw.Commit())
	return rec, cont
}

func TestCORSPreflight(t *testing.T) {
	hook := CORS(&CORSConfig{
		AllowOrigins: []string{"https://app.example.com", "*.example.org"},
		MaxAge:       600,
	})

	r := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	r.Header.Set("Access-Control-Request-Headers", "Content-Type")

	rec, cont := runHook(t, hook, r)
	assert.False(t, cont, "preflight halts before routing")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCORSOrigins(t *testing.T) {
	hook := CORS(&CORSConfig{
		AllowOrigins:  []string{"*.example.org"},
		ExposeHeaders: []string{"X-Request-ID"},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://api.example.org")
	rec, cont := runHook(t, hook, r)
	assert.True(t, cont)
	assert.Equal(t, "https://api.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Request-ID", rec.Header().Get("Access-Control-Expose-Headers"))

	// disallowed simple requests pass through without CORS headers
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.test")
	rec, cont = runHook(t, hook, r)
	assert.True(t, cont)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://evil.test")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec, cont = runHook(t, hook, r)
	assert.False(t, cont)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// no Origin, no CORS
	rec, cont = runHook(t, hook, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.True(t, cont)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	hook := SecurityHeaders(nil)

	rec, cont := runHook(t, hook, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, cont)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "HSTS only over TLS")

	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	rec, _ = runHook(t, hook, r)
	assert.Equal(t, "max-age=31536000", rec.Header().Get("Strict-Transport-Security"))
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(&RateLimitConfig{
		Capacity:   2,
		RefillRate: 1,
		now:        func() time.Time { return now },
	})

	ok, remaining, _ := l.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	ok, _, _ = l.Allow("a")
	assert.True(t, ok)

	ok, _, retry := l.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, retry)

	// other clients have their own bucket
	ok, _, _ = l.Allow("b")
	assert.True(t, ok)

	// denied requests do not borrow from future tokens
	for i := 0; i < 3; i++ {
		ok, _, retry = l.Allow("a")
		assert.False(t, ok)
		assert.Equal(t, time.Second, retry)
	}

	now = now.Add(1500 * time.Millisecond)
	ok, remaining, _ = l.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiterHook(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{Capacity: 1, RefillRate: 0.5})
	hook := l.Hook()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"

	rec, cont := runHook(t, hook, r)
	assert.True(t, cont)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec, cont = runHook(t, hook, r)
	assert.False(t, cont)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded","code":429}`, rec.Body.String())
}

func TestRateLimiterBoundsClients(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{Capacity: 1, RefillRate: 1, MaxClients: 10})
	for i := 0; i < 50; i++ {
		l.Allow(string(rune('a' + i)))
	}
	assert.LessOrEqual(t, l.buckets.Len(), 10)
}
