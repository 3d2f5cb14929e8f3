package middlewares

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
)

// PanicError is a recovered panic converted into an error
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// HookError wraps an error raised by a middleware hook
type HookError struct {
	Phase handlers.Phase
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook: %v", e.Phase, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Protect runs fn and converts a panic into a *PanicError
func Protect(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// IsPanic reports whether err came from a recovered panic
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// RecoveryConfig holds configuration for recovery middleware
type RecoveryConfig struct {
	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// DisableStackTrace drops the stack from panic logs
	DisableStackTrace bool

	// Development exposes the panic value in the response
	Development bool
}

// DefaultRecoveryConfig returns a default recovery configuration
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		Logger: slog.Default(),
	}
}

// Recovery is the last line of defense around a worker's handler: a panic
// that escapes the dispatcher is logged and answered with a 500 JSON error
// instead of taking the connection down.
func Recovery(cfg *RecoveryConfig) func(next http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultRecoveryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				logAttrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"client_ip", r.RemoteAddr,
					"error", fmt.Sprintf("%v", v),
				}
				if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
					logAttrs = append(logAttrs, "request_id", requestID)
				}
				if !cfg.DisableStackTrace {
					logAttrs = append(logAttrs, "stack", string(debug.Stack()))
				}
				logger.Error("panic recovered", logAttrs...)

				msg := http.StatusText(http.StatusInternalServerError)
				if cfg.Development {
					msg = fmt.Sprintf("panic: %v", v)
				}
				config.RespondError(w, http.StatusInternalServerError, msg)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
