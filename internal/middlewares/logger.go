package middlewares

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fsroute/fsroute/internal/handlers"
)

// LoggerConfig holds configuration options for request access logging
type LoggerConfig struct {
	Logger             *slog.Logger // Structured logger instance
	SkipPaths          []string     // Paths to skip logging (e.g., health checks)
	IncludeUserAgent   bool         // Whether to include User-Agent header
	IncludeReferer     bool         // Whether to include Referer header
	IncludeQueryParams bool         // Whether to include query parameters
}

// DefaultLoggerConfig creates a production-ready logger configuration with sensible defaults
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Logger:             slog.Default(),
		SkipPaths:          []string{"/_health", "/_metrics", "/favicon.ico"},
		IncludeUserAgent:   true,
		IncludeQueryParams: true,
	}
}

// AccessLogger writes one log line per finished request. The dispatcher
// calls it after the response is sent, so 404s, 405s and timeouts are logged
// like any other request.
type AccessLogger struct {
	config *LoggerConfig
	skip   map[string]struct{}
}

// NewAccessLogger creates an access logger
func NewAccessLogger(config *LoggerConfig) *AccessLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}
	return &AccessLogger{config: config, skip: skip}
}

// Log records a finished request
func (l *AccessLogger) Log(r *http.Request, w *handlers.ResponseWriter, rc *handlers.RequestContext) {
	if l == nil {
		return
	}
	if _, ok := l.skip[r.URL.Path]; ok {
		return
	}

	status := w.Status()
	if rc.TimedOut() {
		status = http.StatusRequestTimeout
	}
	logRequest(l.config.Logger, status, l.buildLogFields(r, w, rc, status, time.Since(rc.Start)))
}

// buildLogFields creates structured log fields from request and response data
func (l *AccessLogger) buildLogFields(r *http.Request, w *handlers.ResponseWriter, rc *handlers.RequestContext, status int, duration time.Duration) []any {
	fields := []any{
		"request_id", rc.ID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"latency_ms", duration.Milliseconds(),
		"latency", duration.String(),
		"client_ip", r.RemoteAddr,
		"response_size", w.BytesWritten(),
		"state", rc.State().String(),
	}

	if pattern := rc.Pattern(); pattern != "" {
		fields = append(fields, "route", pattern)
	}
	if rc.TimedOut() {
		fields = append(fields, "timed_out", true)
	}
	if err := rc.Err(); err != nil {
		fields = append(fields, "error", err.Error(), "error_phase", string(rc.ErrPhase()))
	}

	if l.config.IncludeQueryParams && len(r.URL.RawQuery) > 0 {
		fields = append(fields, "query", r.URL.RawQuery)
	}
	if l.config.IncludeUserAgent {
		if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
			fields = append(fields, "user_agent", userAgent)
		}
	}
	if l.config.IncludeReferer {
		if referer := r.Header.Get("Referer"); referer != "" {
			fields = append(fields, "referer", referer)
		}
	}

	return fields
}

// logRequest logs the request with appropriate level based on status code
func logRequest(logger *slog.Logger, statusCode int, fields []any) {
	switch {
	case statusCode >= 500:
		logger.Error("server error", fields...)
	case statusCode >= 400:
		logger.Warn("client error", fields...)
	default:
		logger.Info("request handled", fields...)
	}
}
