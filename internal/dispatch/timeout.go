package dispatch

import (
	"net/http"
	"time"

	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/observability"
)

// serveWithTimeout runs the pipeline under the per-request timer. Handler
// code is not cancelled when the timer fires: it keeps running in the
// background while its output is suppressed by the response writer.
func (d *Dispatcher) serveWithTimeout(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) {
	timeout := d.config.RequestTimeout
	if timeout <= 0 {
		d.pipeline(w, r, rc)
		return
	}

	done := make(chan struct{})
	var escaped any
	go func() {
		defer close(done)
		defer func() {
			// http.ErrAbortHandler escapes Protect; re-raise it on the serving goroutine
			escaped = recover()
		}()
		d.pipeline(w, r, rc)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		if escaped != nil {
			panic(escaped)
		}
	case <-timer.C:
		sent := w.Abort(func(raw http.ResponseWriter) {
			raw.Header().Set(observability.RequestIDHeader, rc.ID)
			config.RespondError(raw, http.StatusRequestTimeout, ErrTimeout.Error())
		})
		if !sent {
			// already streaming; the handler owns the connection until it returns
			<-done
			if escaped != nil {
				panic(escaped)
			}
			return
		}
		rc.MarkTimedOut()
		d.logger.Warn("request timed out",
			"request_id", rc.ID,
			"method", r.Method,
			"path", r.URL.Path,
			"timeout", timeout.String(),
		)
	}
}
