package middlewares

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fsroute/fsroute/internal/cache"
	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
)

// RateLimitConfig configures the token bucket rate limiter
type RateLimitConfig struct {
	Logger *slog.Logger

	// Capacity is the bucket size (burst)
	Capacity int

	// RefillRate is tokens added per second
	RefillRate float64

	// MaxClients bounds the bucket table; the oldest buckets go first
	MaxClients int

	// KeyFunc identifies the client (default: remote IP)
	KeyFunc func(r *http.Request) string

	// CacheObserver is optional
	CacheObserver cache.Observer

	now func() time.Time
}

// DefaultRateLimitConfig allows bursts of 10 and 5 requests per second
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Capacity:   10,
		RefillRate: 5,
		MaxClients: 10000,
	}
}

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	config  *RateLimitConfig
	logger  *slog.Logger
	mu      sync.Mutex
	buckets *cache.MemoryCache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter
func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 5
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = remoteIP
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RateLimiter{
		config: cfg,
		logger: logger,
		buckets: cache.NewMemoryCache[string, *rate.Limiter](&cache.Config{
			Name:          "rate_limit",
			Capacity:      cfg.MaxClients,
			EvictFraction: cache.DefaultEvictFraction,
			Observer:      cfg.CacheObserver,
		}),
	}
}

// Allow takes a token for key. When the bucket is empty it returns how long
// until the next token.
func (l *RateLimiter) Allow(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	now := l.config.now()
	lim := l.limiter(key)

	res := lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, 0, delay
	}
	return true, max(int(lim.TokensAt(now)), 0), 0
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.config.RefillRate), l.config.Capacity)
		l.buckets.Set(key, lim)
	}
	return lim
}

// Hook returns the beforeRequest hook. A limited client gets 429 and the
// phase halts.
func (l *RateLimiter) Hook() handlers.Hook {
	limit := strconv.Itoa(l.config.Capacity)

	return func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
		key := l.config.KeyFunc(r)
		allowed, remaining, retryAfter := l.Allow(key)

		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if allowed {
			return true, nil
		}

		seconds := int(math.Ceil(retryAfter.Seconds()))
		l.logger.Warn("rate limit exceeded",
			"method", r.Method,
			"path", r.URL.Path,
			"key", key,
			"request_id", rc.ID,
			"retry_after_seconds", seconds,
		)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		config.RespondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return false, nil
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
