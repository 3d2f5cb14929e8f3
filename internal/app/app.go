// Package app assembles the routing stack from configuration and runs it,
// either as a single server or behind a worker pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/fsroute/fsroute/internal/cluster"
	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/dispatch"
	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
	"github.com/fsroute/fsroute/internal/observability"
	"github.com/fsroute/fsroute/internal/router"
	"github.com/fsroute/fsroute/internal/server"
)

// Options holds everything Run and NewRuntime need
type Options struct {
	Logger   *slog.Logger
	Config   *config.Config
	Resolver router.Resolver

	// Metrics is shared by every runtime in the process (optional)
	Metrics *observability.Metrics

	// Hooks installs global middleware on each runtime's registry
	Hooks func(reg *middlewares.Registry)

	// Listener replaces net.Listen on the configured address
	Listener net.Listener

	// Exit is called when shutdown exceeds its timeout (default os.Exit)
	Exit func(code int)
}

// Runtime is one independent routing stack: a router, a middleware registry,
// the reloader feeding both and the dispatcher serving requests from them.
// Workers never share a Runtime.
type Runtime struct {
	logger     *slog.Logger
	router     *router.Router
	middleware *middlewares.Registry
	reloader   *router.Reloader
	dispatcher *dispatch.Dispatcher
	stats      *observability.Stats
	handler    http.Handler

	watcher *router.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime loads the routes directory and builds the request handler.
// workerID is empty outside cluster mode.
func NewRuntime(ctx context.Context, opts *Options, workerID string) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if workerID != "" {
		logger = logger.With("worker_id", workerID)
	}
	if opts.Resolver == nil {
		return nil, errors.New("app: a module resolver is required")
	}

	routerConfig := &router.Config{Logger: logger, CacheSize: cfg.Routes.CacheSize}
	var reloadObserver router.ReloadObserver
	if opts.Metrics != nil {
		routerConfig.CacheObserver = opts.Metrics
		reloadObserver = opts.Metrics
	}

	rt := &Runtime{
		logger:     logger,
		router:     router.New(routerConfig),
		middleware: middlewares.NewRegistry(&middlewares.Config{Logger: logger}),
		stats:      observability.NewStats(nil),
	}
	installSecurityHooks(rt.middleware, cfg.Security, logger, opts.Metrics)
	if opts.Hooks != nil {
		opts.Hooks(rt.middleware)
	}

	loader, err := router.NewLoader(&router.LoaderConfig{Logger: logger, Resolver: opts.Resolver})
	if err != nil {
		return nil, err
	}
	rt.reloader = router.NewReloader(&router.ReloaderConfig{
		Logger:     logger,
		Dir:        cfg.Routes.Dir,
		Loader:     loader,
		Router:     rt.router,
		Middleware: rt.middleware,
		Observer:   reloadObserver,
	})
	if err := rt.reloader.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	rt.dispatcher = dispatch.New(&dispatch.Config{
		Logger:     logger,
		Router:     rt.router,
		Middleware: rt.middleware,
		Stats:      rt.stats,
		Metrics:    opts.Metrics,
		AccessLog: middlewares.NewAccessLogger(&middlewares.LoggerConfig{
			Logger:             logger,
			SkipPaths:          skipPaths(cfg),
			IncludeUserAgent:   true,
			IncludeQueryParams: true,
		}),
		DefaultHeaders: middlewares.NewDefaultHeaders(cfg.Dispatch.DefaultHeaders),
		RequestTimeout: cfg.Dispatch.RequestTimeout,
		Development:    cfg.IsDevelopment(),
		HealthPath:     cfg.Dispatch.HealthPath,
		MetricsPath:    cfg.Dispatch.MetricsPath,
		WorkerID:       workerID,
		Version:        cfg.App.Version,
	})
	rt.handler = middlewares.Recovery(&middlewares.RecoveryConfig{
		Logger:      logger,
		Development: cfg.IsDevelopment(),
	})(rt.dispatcher)

	watchCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	if cfg.Routes.Watch {
		if err := rt.startWatcher(watchCtx, cfg.Routes.Dir); err != nil {
			// serving without hot reload beats not serving
			logger.Warn("route watcher disabled", "dir", cfg.Routes.Dir, "error", err)
		}
	}

	logger.Info("runtime ready",
		"routes", rt.router.Table().Len(),
		"middleware_scopes", len(rt.middleware.Entries()),
		"watch", rt.watcher != nil,
	)
	return rt, nil
}

func (rt *Runtime) startWatcher(ctx context.Context, dir string) error {
	w, err := router.NewWatcher(&router.WatcherConfig{
		Logger:   rt.logger,
		Dir:      dir,
		OnChange: func() { rt.reloader.Trigger(ctx) },
	})
	if err != nil {
		return err
	}
	rt.watcher = w

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("route watcher stopped", "error", err)
		}
	}()
	return nil
}

// installSecurityHooks registers the built-in global hooks. They run before
// any hook from the routes tree.
func installSecurityHooks(reg *middlewares.Registry, sec config.SecurityConfig, logger *slog.Logger, metrics *observability.Metrics) {
	if len(sec.CORSOrigins) > 0 {
		reg.Add(handlers.PhaseBeforeRequest, middlewares.CORS(&middlewares.CORSConfig{
			AllowOrigins:  sec.CORSOrigins,
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        600,
			Logger:        logger,
		}))
	}
	if sec.SecurityHeaders {
		reg.Add(handlers.PhaseBeforeRequest, middlewares.SecurityHeaders(nil))
	}
	if sec.RateLimit > 0 {
		rlConfig := &middlewares.RateLimitConfig{
			Logger:     logger,
			Capacity:   sec.RateBurst,
			RefillRate: sec.RateLimit,
		}
		if metrics != nil {
			rlConfig.CacheObserver = metrics
		}
		reg.Add(handlers.PhaseBeforeRequest, middlewares.NewRateLimiter(rlConfig).Hook())
	}
}

func skipPaths(cfg *config.Config) []string {
	var out []string
	for _, p := range []string{cfg.Dispatch.HealthPath, cfg.Dispatch.MetricsPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Handler returns the request handler
func (rt *Runtime) Handler() http.Handler {
	return rt.handler
}

func (rt *Runtime) Router() *router.Router {
	return rt.router
}

func (rt *Runtime) Middleware() *middlewares.Registry {
	return rt.middleware
}

func (rt *Runtime) Reloader() *router.Reloader {
	return rt.reloader
}

func (rt *Runtime) Stats() *observability.Stats {
	return rt.stats
}

// Name implements server.Resource
func (rt *Runtime) Name() string {
	return "runtime"
}

// Close stops the watcher and waits for a running reload to finish
func (rt *Runtime) Close(ctx context.Context) error {
	rt.cancel()
	var err error
	if rt.watcher != nil {
		err = rt.watcher.Close()
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		rt.reloader.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Run serves until a shutdown signal arrives or ctx is cancelled, then
// drains and returns the joined shutdown errors
func Run(ctx context.Context, opts *Options) error {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Address())
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Address(), err)
		}
	}

	coord := server.NewCoordinator(&server.ShutdownConfig{
		Logger:  logger,
		Timeout: cfg.Server.ShutdownTimeout,
		Exit:    opts.Exit,
	})

	if cfg.Cluster.Enabled {
		return runCluster(ctx, opts, ln, coord)
	}
	return runSingle(ctx, opts, ln, coord)
}

func serverConfig(cfg *config.Config, logger *slog.Logger) *server.Config {
	sc := server.DefaultConfig(cfg.Address())
	if cfg.IsDevelopment() {
		sc = server.DevelopmentConfig(cfg.Address())
	}
	sc.Logger = logger
	sc.H2C = cfg.Server.H2C
	return sc
}

// localWorkerConfig gives each worker the full shutdown window, so its open
// connections are destroyed at half of SHUTDOWN_TIMEOUT like a single server's.
func localWorkerConfig(cfg *config.Config, logger *slog.Logger) *cluster.LocalConfig {
	return &cluster.LocalConfig{
		Logger:          logger,
		Server:          serverConfig(cfg, logger),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ReportInterval:  cfg.Cluster.ReportInterval,
	}
}

func runSingle(ctx context.Context, opts *Options, ln net.Listener, coord *server.Coordinator) error {
	rt, err := NewRuntime(ctx, opts, "")
	if err != nil {
		_ = ln.Close()
		return err
	}

	tracker := server.NewConnTracker()
	sc := serverConfig(opts.Config, opts.Logger)
	sc.Tracker = tracker
	srv := server.New(rt.Handler(), sc)

	coord.AddServer(srv, tracker)
	coord.Register(rt)
	coord.Arm(ctx)

	opts.Logger.Info("server listening",
		"addr", ln.Addr().String(),
		"environment", opts.Config.App.Environment,
		"h2c", sc.H2C,
	)
	return server.Serve(srv, tracker.Listener(ln), coord)
}

func runCluster(ctx context.Context, opts *Options, ln net.Listener, coord *server.Coordinator) error {
	cfg := opts.Config
	algorithm, err := cluster.ParseAlgorithm(cfg.Cluster.Algorithm)
	if err != nil {
		_ = ln.Close()
		return err
	}

	factory := func(ctx context.Context, id int) (http.Handler, server.Resource, error) {
		rt, err := NewRuntime(ctx, opts, strconv.Itoa(id))
		if err != nil {
			return nil, nil, err
		}
		return rt.Handler(), rt, nil
	}

	pool, err := cluster.NewPool(&cluster.PoolConfig{
		Logger:         opts.Logger,
		Workers:        cfg.Cluster.Workers,
		Algorithm:      algorithm,
		StickySessions: cfg.Cluster.StickySessions,
		RestartDelay:   cfg.Cluster.RestartDelay,
		Metrics:        opts.Metrics,
		Spawner:        cluster.LocalSpawner(factory, localWorkerConfig(cfg, opts.Logger)),
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	if err := pool.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	// resources close in reverse order: the listener goes before the workers
	coord.Register(server.NewCustomResource("worker pool", pool.Shutdown))
	coord.Register(server.NewCustomResource("listener", func(context.Context) error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}))
	coord.Arm(ctx)

	go func() {
		if err := pool.Serve(ln); err != nil {
			opts.Logger.Error("accept loop failed", "error", err)
			_ = coord.Shutdown("accept failed")
		}
	}()

	opts.Logger.Info("cluster listening",
		"addr", ln.Addr().String(),
		"workers", len(pool.Records()),
		"algorithm", string(algorithm),
	)
	return coord.Wait()
}
