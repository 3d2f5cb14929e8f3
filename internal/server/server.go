package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds HTTP server configuration
type Config struct {
	// Server address (host:port)
	Addr string

	// Logger for structured logging
	Logger *slog.Logger

	// ReadHeaderTimeout bounds reading request headers
	ReadHeaderTimeout time.Duration

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is left at 0 by default: the dispatcher owns request timeouts
	// and streaming responses may outlive any fixed write deadline
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration

	// MaxHeaderBytes controls the maximum number of bytes the server will read parsing the request header
	MaxHeaderBytes int

	// H2C serves cleartext HTTP/2 next to HTTP/1.1
	H2C                  bool
	MaxConcurrentStreams uint32

	// Tracker receives connection state changes
	Tracker *ConnTracker
}

// DefaultConfig returns a default server configuration
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
}

// DevelopmentConfig returns a development-friendly server configuration
func DevelopmentConfig(addr string) *Config {
	cfg := DefaultConfig(addr)
	cfg.ReadTimeout = 0
	cfg.IdleTimeout = 300 * time.Second
	cfg.MaxHeaderBytes = 2 << 20 // 2 MB
	return cfg
}

// New creates a new HTTP server with the given configuration
func New(handler http.Handler, config *Config) *http.Server {
	if config == nil {
		config = DefaultConfig(":3000")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.H2C {
		streams := config.MaxConcurrentStreams
		if streams == 0 {
			streams = 250
		}
		handler = h2c.NewHandler(handler, &http2.Server{
			MaxConcurrentStreams: streams,
			IdleTimeout:          config.IdleTimeout,
		})
	}

	server := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	if config.Tracker != nil {
		server.ConnState = config.Tracker.Hook
	}

	logger.Debug("http server configured",
		"addr", config.Addr,
		"h2c", config.H2C,
		"read_timeout", config.ReadTimeout.String(),
		"idle_timeout", config.IdleTimeout.String(),
	)

	return server
}

// Serve runs srv on ln until the coordinator has finished shutting down.
// A listener failure starts the shutdown sequence and is returned.
func Serve(srv *http.Server, ln net.Listener, coord *Coordinator) error {
	errCh := make(chan error, 1)
	go func() {
		coord.logger.Info("starting http server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr := fmt.Errorf("serve %s: %w", ln.Addr(), err)
			coord.logger.Error("server failed", "error", serveErr)
			_ = coord.Shutdown("serve failed")
			return serveErr
		}
		return coord.Wait()
	case <-coord.Done():
		return coord.Wait()
	}
}
