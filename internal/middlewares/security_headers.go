package middlewares

import (
	"net/http"
	"strconv"

	"github.com/fsroute/fsroute/internal/handlers"
)

// SecurityConfig lists the security headers to set. Empty values are skipped.
type SecurityConfig struct {
	ContentTypeNosniff string
	XFrameOptions      string

	// HSTS is only sent over TLS
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	ContentSecurityPolicy     string
	ReferrerPolicy            string
	PermissionsPolicy         string
	CrossOriginOpenerPolicy   string
	CrossOriginResourcePolicy string
}

// DefaultSecurityConfig returns headers suitable for a JSON API
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             "DENY",
		HSTSMaxAge:                31536000,
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		PermissionsPolicy:         "camera=(), geolocation=(), microphone=(), payment=(), usb=()",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
	}
}

// SecurityHeaders returns a beforeRequest hook that sets the configured
// headers. It never halts, so route handlers can still override any of them.
func SecurityHeaders(config *SecurityConfig) handlers.Hook {
	if config == nil {
		config = DefaultSecurityConfig()
	}

	fixed := [][2]string{
		{"X-Content-Type-Options", config.ContentTypeNosniff},
		{"X-Frame-Options", config.XFrameOptions},
		{"Content-Security-Policy", config.ContentSecurityPolicy},
		{"Referrer-Policy", config.ReferrerPolicy},
		{"Permissions-Policy", config.PermissionsPolicy},
		{"Cross-Origin-Opener-Policy", config.CrossOriginOpenerPolicy},
		{"Cross-Origin-Resource-Policy", config.CrossOriginResourcePolicy},
	}

	var hsts string
	if config.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
		if config.HSTSPreload {
			hsts += "; preload"
		}
	}

	return func(w *handlers.ResponseWriter, r *http.Request, _ *handlers.RequestContext) (bool, error) {
		h := w.Header()
		for _, kv := range fixed {
			if kv[1] != "" {
				h.Set(kv[0], kv[1])
			}
		}
		if r.TLS != nil && hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		return true, nil
	}
}
