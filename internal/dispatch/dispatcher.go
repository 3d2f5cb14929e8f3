// Package dispatch turns a matched route and the middleware registry into
// a served request: it owns the per-request state machine, the request
// timeout and the JSON error responses.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
	"github.com/fsroute/fsroute/internal/observability"
	"github.com/fsroute/fsroute/internal/router"
)

var (
	ErrNotFound         = errors.New("route not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrTimeout          = errors.New("request timeout")
)

// Config holds the collaborators of a Dispatcher. Router and Middleware are
// required; everything else is optional.
type Config struct {
	// Logger for structured logging
	Logger *slog.Logger

	Router     *router.Router
	Middleware *middlewares.Registry

	// Stats feeds the health endpoint
	Stats *observability.Stats

	// Metrics is exposed on MetricsPath when set
	Metrics *observability.Metrics

	// AccessLog writes one line per finished request
	AccessLog *middlewares.AccessLogger

	// DefaultHeaders are applied before the beforeRequest phase
	DefaultHeaders *middlewares.DefaultHeaders

	// RequestTimeout answers 408 when exceeded (0 disables the timer)
	RequestTimeout time.Duration

	// Development echoes handler error messages in 5xx responses
	Development bool

	// HealthPath and MetricsPath are answered before the pipeline (empty disables)
	HealthPath  string
	MetricsPath string

	// WorkerID and Version are reported by the health endpoint
	WorkerID string
	Version  string
}

// Dispatcher implements http.Handler
type Dispatcher struct {
	config  *Config
	logger  *slog.Logger
	health  http.Handler
	metrics http.Handler
}

// New creates a dispatcher
func New(config *Config) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Middleware == nil {
		config.Middleware = middlewares.NewRegistry(&middlewares.Config{Logger: config.Logger})
	}
	if config.Router == nil {
		config.Router = router.New(&router.Config{Logger: config.Logger})
	}

	d := &Dispatcher{config: config, logger: config.Logger}
	if config.HealthPath != "" && config.Stats != nil {
		d.health = observability.HealthHandler(&observability.HealthConfig{
			Logger:   config.Logger,
			Stats:    config.Stats,
			WorkerID: config.WorkerID,
			Version:  config.Version,
		})
	}
	if config.MetricsPath != "" && config.Metrics != nil {
		d.metrics = config.Metrics.Handler()
	}
	return d
}

func (d *Dispatcher) operatorHandler(r *http.Request) http.Handler {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return nil
	}
	switch {
	case d.health != nil && r.URL.Path == d.config.HealthPath:
		return d.health
	case d.metrics != nil && r.URL.Path == d.config.MetricsPath:
		return d.metrics
	}
	return nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h := d.operatorHandler(r); h != nil {
		h.ServeHTTP(w, r)
		return
	}

	rc := handlers.NewRequestContext(observability.RequestID(r))
	rw := handlers.NewResponseWriter(w)
	rw.Header().Set(observability.RequestIDHeader, rc.ID)
	r = r.WithContext(handlers.WithContext(r.Context(), rc))

	if d.config.Stats != nil {
		d.config.Stats.Begin()
	}
	d.config.Metrics.RequestStarted()

	d.serveWithTimeout(rw, r, rc)
	d.finalize(rw, r, rc)
}

// finalize sends whatever is buffered and records the request
func (d *Dispatcher) finalize(rw *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) {
	if err := rw.Commit(); err != nil {
		d.logger.Debug("response write failed",
			"request_id", rc.ID,
			"error", err,
		)
	}
	rc.Enter(handlers.StateSent)

	duration := time.Since(rc.Start)
	status := rw.Status()
	if rc.TimedOut() {
		status = http.StatusRequestTimeout
	}

	d.config.AccessLog.Log(r, rw, rc)
	if d.config.Stats != nil {
		d.config.Stats.End(duration, status >= 500 || rc.TimedOut())
	}
	d.config.Metrics.RequestFinished(r.Method, rc.Pattern(), status, duration, rc.TimedOut())
}

// pipeline runs the request through every phase. It never panics: hook and
// handler failures are recovered and routed to onError.
func (d *Dispatcher) pipeline(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) {
	mw := d.config.Middleware

	rc.Enter(handlers.StateBeforeMiddleware)
	d.config.DefaultHeaders.Apply(w)
	w.KeepHeaders()
	if !mw.Run(handlers.PhaseBeforeRequest, w, r, rc) {
		d.fallbackError(w, rc)
		return
	}
	// default, CORS and security headers survive a timeout
	w.KeepHeaders()

	rc.Enter(handlers.StateRouting)
	match := d.config.Router.Match(r.Method, r.URL.Path)
	switch match.Status {
	case router.NotFound:
		d.respondError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	case router.MethodNotAllowed:
		w.Header().Set("Allow", strings.Join(match.Allowed, ", "))
		d.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}

	// the cached params map is shared between requests
	params := make(map[string]string, len(match.Params))
	for k, v := range match.Params {
		params[k] = v
	}
	rc.Params = params
	rc.SetPattern(match.Pattern)

	rc.Enter(handlers.StateHandling)
	if err := d.invoke(match.Handlers, w, r, rc); err != nil {
		if !w.Committed() {
			w.Reset()
		}
		mw.Fail(handlers.PhaseHandler, err, w, r, rc)
		d.fallbackError(w, rc)
		return
	}

	rc.Enter(handlers.StateAfterMiddleware)
	if !mw.Run(handlers.PhaseAfterRequest, w, r, rc) {
		d.fallbackError(w, rc)
	}
}

// invoke runs stacked handlers in order until one produces a response
func (d *Dispatcher) invoke(hs []handlers.Handler, w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
	for _, h := range hs {
		err := middlewares.Protect(func() error {
			return h(w, r, rc)
		})
		if err != nil {
			d.logger.Error("route handler failed",
				"request_id", rc.ID,
				"method", r.Method,
				"path", r.URL.Path,
				"route", rc.Pattern(),
				"error", err,
				"panic", middlewares.IsPanic(err),
			)
			return err
		}
		if w.Written() {
			return nil
		}
	}
	return nil
}

// fallbackError answers 500 when an error is pending and nothing else
// produced a response
func (d *Dispatcher) fallbackError(w *handlers.ResponseWriter, rc *handlers.RequestContext) {
	err := rc.Err()
	if err == nil || w.Written() {
		return
	}
	message := http.StatusText(http.StatusInternalServerError)
	if rc.ExposeErrors || d.config.Development {
		message = err.Error()
	}
	d.respondError(w, http.StatusInternalServerError, message)
}

func (d *Dispatcher) respondError(w *handlers.ResponseWriter, status int, message string) {
	w.Reset()
	config.RespondError(w, status, message)
}
