package middlewares

import (
	"net/http"
	"sort"

	"github.com/fsroute/fsroute/internal/handlers"
)

// DefaultHeaders is a fixed set of response headers applied to every request
// before the beforeRequest phase, so hooks and handlers can still override them.
type DefaultHeaders struct {
	keys   []string
	values []string
}

// NewDefaultHeaders canonicalizes header names once up front
func NewDefaultHeaders(headers map[string]string) *DefaultHeaders {
	d := &DefaultHeaders{}
	for k := range headers {
		d.keys = append(d.keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(d.keys)
	for _, k := range d.keys {
		for orig, v := range headers {
			if http.CanonicalHeaderKey(orig) == k {
				d.values = append(d.values, v)
				break
			}
		}
	}
	return d
}

// Apply sets the headers on w
func (d *DefaultHeaders) Apply(w *handlers.ResponseWriter) {
	if d == nil {
		return
	}
	h := w.Header()
	for i, k := range d.keys {
		h.Set(k, d.values[i])
	}
}

// Len returns the number of headers
func (d *DefaultHeaders) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}
