package middlewares

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fsroute/fsroute/internal/handlers"
)

// CORSConfig holds configuration for the CORS hook
type CORSConfig struct {
	// AllowOrigins lists allowed origins. "*" allows any origin and
	// "*.example.com" allows every subdomain of example.com.
	AllowOrigins []string

	AllowMethods []string

	// AllowHeaders is echoed from Access-Control-Request-Headers when empty
	AllowHeaders  []string
	ExposeHeaders []string

	// AllowCredentials cannot be combined with a wildcard origin
	AllowCredentials bool

	// MaxAge is how long (seconds) preflight results may be cached
	MaxAge int

	Logger *slog.Logger
}

// DefaultCORSConfig allows any origin without credentials
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodHead,
			http.MethodOptions,
		},
		ExposeHeaders: []string{"X-Request-ID"},
		Logger:        slog.Default(),
	}
}

// CORS returns a beforeRequest hook. Preflight requests are answered with
// 204 (or 403 for a disallowed origin) and halt the phase, so they never
// reach routing.
func CORS(config *CORSConfig) handlers.Hook {
	if config == nil {
		config = DefaultCORSConfig()
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = []string{"*"}
	}
	if len(config.AllowMethods) == 0 {
		config.AllowMethods = DefaultCORSConfig().AllowMethods
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.AllowCredentials && len(config.AllowOrigins) == 1 && config.AllowOrigins[0] == "*" {
		config.Logger.Warn("CORS: AllowCredentials with wildcard origin (*) will not work, specify exact origins")
		config.AllowCredentials = false
	}

	allowMethods := strings.Join(config.AllowMethods, ", ")
	allowHeaders := strings.Join(config.AllowHeaders, ", ")
	exposeHeaders := strings.Join(config.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(config.MaxAge)

	return func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true, nil
		}
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		allowed := allowedOrigin(origin, config.AllowOrigins)
		if allowed == "" {
			config.Logger.Debug("CORS origin denied", "origin", origin, "path", r.URL.Path, "request_id", rc.ID)
			if preflight {
				w.WriteHeader(http.StatusForbidden)
				return false, nil
			}
			return true, nil
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Add("Vary", "Origin")
		if config.AllowCredentials && allowed != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if !preflight {
			if exposeHeaders != "" {
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
			}
			return true, nil
		}

		h.Set("Access-Control-Allow-Methods", allowMethods)
		if allowHeaders != "" {
			h.Set("Access-Control-Allow-Headers", allowHeaders)
		} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			h.Set("Access-Control-Allow-Headers", requested)
		}
		h.Add("Vary", "Access-Control-Request-Method")
		h.Add("Vary", "Access-Control-Request-Headers")
		if config.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", maxAge)
		}
		w.WriteHeader(http.StatusNoContent)
		return false, nil
	}
}

// allowedOrigin returns "*", the origin itself, or "" when not allowed
func allowedOrigin(origin string, allowOrigins []string) string {
	for _, allowed := range allowOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return origin
		}
	}
	return ""
}
