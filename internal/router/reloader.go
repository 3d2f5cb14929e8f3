package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsroute/fsroute/internal/middlewares"
)

// ScopeLoader installs the path-scoped middleware found by a scan
type ScopeLoader interface {
	Load(entries []middlewares.Entry)
}

// ReloadObserver is told about every finished reload
type ReloadObserver interface {
	RoutesReloaded(err error, d time.Duration)
}

// ReloaderConfig holds reloader configuration
type ReloaderConfig struct {
	Logger     *slog.Logger
	Dir        string
	Loader     *Loader
	Router     *Router
	Middleware ScopeLoader
	Observer   ReloadObserver
}

// Reloader rebuilds routes and middleware from the routes directory and
// publishes them only once the scan has finished. Reloads never overlap:
// triggers during a reload collapse into exactly one follow-up reload.
type Reloader struct {
	config *ReloaderConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	pending bool
	idle    *sync.Cond
	wg      sync.WaitGroup
}

// NewReloader creates a reloader
func NewReloader(cfg *ReloaderConfig) *Reloader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{config: cfg, logger: logger}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Reload scans the directory and swaps in the result. If a reload is already
// running, it schedules a follow-up and returns nil immediately.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	for {
		err := r.reloadOnce(ctx)

		r.mu.Lock()
		if !r.pending || ctx.Err() != nil {
			r.running = false
			r.pending = false
			r.idle.Broadcast()
			r.mu.Unlock()
			return err
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// Trigger starts a reload in the background
func (r *Reloader) Trigger(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Reload(ctx)
	}()
}

// Wait blocks until no reload is running and all triggered reloads returned
func (r *Reloader) Wait() {
	r.wg.Wait()
	r.mu.Lock()
	for r.running {
		r.idle.Wait()
	}
	r.mu.Unlock()
}

func (r *Reloader) reloadOnce(ctx context.Context) error {
	start := time.Now()
	res, err := r.config.Loader.Load(ctx, r.config.Dir)
	if err != nil {
		r.logger.Error("route reload failed, keeping previous routes", "dir", r.config.Dir, "error", err)
		r.notify(err, time.Since(start))
		return err
	}

	// middleware first, so requests matching the new table never run
	// against the old scope
	if r.config.Middleware != nil {
		r.config.Middleware.Load(res.Middleware)
	}
	r.config.Router.Swap(res.Table)

	r.logger.Info("routes reloaded",
		"routes", res.Table.Len(),
		"middleware_scopes", len(res.Middleware),
		"generation", r.config.Router.Generation(),
		"duration", time.Since(start).String(),
	)
	r.notify(nil, time.Since(start))
	return nil
}

func (r *Reloader) notify(err error, d time.Duration) {
	if r.config.Observer != nil {
		r.config.Observer.RoutesReloaded(err, d)
	}
}
