// Package handlers defines the contracts shared by the router, the middleware
// registry and the dispatcher: route handlers, middleware hooks and the typed
// per-request context that travels with every request.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Handler serves a matched route. Returning an error routes the request into
// the onError phase.
type Handler func(w *ResponseWriter, r *http.Request, rc *RequestContext) error

// Hook is a middleware callback. Returning false halts the current phase.
type Hook func(w *ResponseWriter, r *http.Request, rc *RequestContext) (bool, error)

// Phase names a middleware phase
type Phase string

const (
	PhaseBeforeRequest Phase = "beforeRequest"
	PhaseAfterRequest  Phase = "afterRequest"
	PhaseOnError       Phase = "onError"

	// PhaseHandler is only used as the origin of an error raised by a route handler.
	PhaseHandler Phase = "handler"
)

// State is the position of a request in the dispatch state machine
type State int32

const (
	StateReceived State = iota
	StateBeforeMiddleware
	StateRouting
	StateHandling
	StateAfterMiddleware
	StateError
	StateSent
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateBeforeMiddleware:
		return "BEFORE_MW"
	case StateRouting:
		return "ROUTING"
	case StateHandling:
		return "HANDLING"
	case StateAfterMiddleware:
		return "AFTER_MW"
	case StateError:
		return "ERROR"
	case StateSent:
		return "SENT"
	default:
		return "UNKNOWN"
	}
}

// RequestContext is the fixed-schema record carried alongside the request
// and response through the pipeline.
type RequestContext struct {
	// ID is the request id (X-Request-ID)
	ID string

	// Params holds the path parameters bound by the route match
	Params map[string]string

	// Start is when dispatch began
	Start time.Time

	// ExposeErrors lets a hook opt into echoing 5xx error details to the client
	ExposeErrors bool

	mu       sync.Mutex
	pattern  string
	err      error
	errPhase Phase
	history  []State
	timedOut atomic.Bool
}

// NewRequestContext creates a context in the RECEIVED state
func NewRequestContext(id string) *RequestContext {
	return &RequestContext{
		ID:      id,
		Params:  map[string]string{},
		Start:   time.Now(),
		history: []State{StateReceived},
	}
}

// Param returns a bound path parameter
func (rc *RequestContext) Param(name string) string {
	return rc.Params[name]
}

// SetPattern records the matched route pattern
func (rc *RequestContext) SetPattern(p string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pattern = p
}

// Pattern returns the matched route pattern, empty until routing succeeds
func (rc *RequestContext) Pattern() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.pattern
}

// Enter moves the request into state s. Transitions out of SENT are refused
// and re-entering a state already visited is ignored, so no phase runs twice.
func (rc *RequestContext) Enter(s State) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	current := rc.history[len(rc.history)-1]
	if current == StateSent {
		return false
	}
	for _, seen := range rc.history {
		if seen == s {
			return false
		}
	}
	rc.history = append(rc.history, s)
	return true
}

// State returns the current state
func (rc *RequestContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.history[len(rc.history)-1]
}

// History returns every state the request went through, in order
func (rc *RequestContext) History() []State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]State, len(rc.history))
	copy(out, rc.history)
	return out
}

// SetError records the error being handled by the onError phase
func (rc *RequestContext) SetError(phase Phase, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.err = err
	rc.errPhase = phase
}

// Err returns the error under handling, if any
func (rc *RequestContext) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// ErrPhase returns the phase that raised Err
func (rc *RequestContext) ErrPhase() Phase {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.errPhase
}

// MarkTimedOut flags the request as expired by the per-request timer
func (rc *RequestContext) MarkTimedOut() {
	rc.timedOut.Store(true)
}

// TimedOut reports whether the per-request timer fired
func (rc *RequestContext) TimedOut() bool {
	return rc.timedOut.Load()
}

type contextKey string

const requestContextKey contextKey = "fsroute.request_context"

// WithContext stores rc in ctx
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext retrieves the request context stored by the dispatcher
func FromContext(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}
