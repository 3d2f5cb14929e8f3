package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State of the shutdown coordinator
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ShutdownConfig holds configuration for graceful shutdown
type ShutdownConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Timeout is the hard ceiling for the whole sequence. Open connections
	// are force-closed once half of it has passed.
	Timeout time.Duration

	// Signals to listen for (default: SIGINT, SIGTERM)
	Signals []os.Signal

	// BeforeShutdown runs before the servers stop accepting
	BeforeShutdown func(ctx context.Context)

	// OnShutdown runs after connections and resources are closed
	OnShutdown func(ctx context.Context)

	// ExitOnComplete calls Exit(0) once stopped. Workers set it; the
	// primary returns from Wait instead.
	ExitOnComplete bool

	// Exit terminates the process (default os.Exit)
	Exit func(code int)
}

// DefaultShutdownConfig returns a default shutdown configuration
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{
			syscall.SIGINT,  // Ctrl+C
			syscall.SIGTERM, // Kubernetes/Docker stop
		},
		Exit: os.Exit,
	}
}

// Resource represents a resource that needs cleanup during shutdown
type Resource interface {
	Name() string
	Close(ctx context.Context) error
}

// CustomResource wraps a custom cleanup function
type CustomResource struct {
	name      string
	closeFunc func(ctx context.Context) error
}

// NewCustomResource creates a new custom resource
func NewCustomResource(name string, closeFunc func(ctx context.Context) error) *CustomResource {
	return &CustomResource{
		name:      name,
		closeFunc: closeFunc,
	}
}

func (c *CustomResource) Name() string {
	return c.name
}

func (c *CustomResource) Close(ctx context.Context) error {
	return c.closeFunc(ctx)
}

type managedServer struct {
	srv     *http.Server
	tracker *ConnTracker
}

// Coordinator drives the RUNNING -> DRAINING -> STOPPED sequence for a set
// of HTTP servers and resources. Shutdown is idempotent: triggers while
// draining are ignored.
type Coordinator struct {
	config *ShutdownConfig
	logger *slog.Logger
	state  atomic.Int32

	mu        sync.Mutex
	servers   []managedServer
	resources []Resource

	done chan struct{}
	err  error
}

// NewCoordinator creates a coordinator in the RUNNING state
func NewCoordinator(config *ShutdownConfig) *Coordinator {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if len(config.Signals) == 0 {
		config.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if config.Exit == nil {
		config.Exit = os.Exit
	}

	return &Coordinator{
		config: config,
		logger: config.Logger,
		done:   make(chan struct{}),
	}
}

// AddServer puts srv under the coordinator. tracker may be nil, in which
// case connections that outlive the drain window are closed by srv.Close.
func (c *Coordinator) AddServer(srv *http.Server, tracker *ConnTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = append(c.servers, managedServer{srv: srv, tracker: tracker})
}

// Register adds a resource to be cleaned up during shutdown. Resources are
// closed in reverse registration order.
func (c *Coordinator) Register(resource Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, resource)
	c.logger.Debug("resource registered for shutdown", "resource", resource.Name())
}

// Arm installs the signal handlers. The first signal, or the end of ctx,
// starts the shutdown sequence.
func (c *Coordinator) Arm(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, c.config.Signals...)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			c.logger.Info("shutdown signal received", "signal", sig.String())
			_ = c.Shutdown(sig.String())
		case <-ctx.Done():
			_ = c.Shutdown("context done")
		case <-c.done:
		}
	}()
}

// State returns the current state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once the coordinator reaches STOPPED
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until STOPPED and returns the shutdown error, if any
func (c *Coordinator) Wait() error {
	<-c.done
	return c.err
}

// Shutdown runs the sequence once. Concurrent and later calls wait for the
// first one and return its result.
func (c *Coordinator) Shutdown(reason string) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		c.logger.Debug("shutdown already in progress", "reason", reason)
		return c.Wait()
	}

	timeout := c.config.Timeout
	c.logger.Info("initiating graceful shutdown",
		"reason", reason,
		"timeout", timeout.String(),
	)

	hard := time.AfterFunc(timeout, func() {
		c.logger.Error("shutdown timeout exceeded, forcing exit", "timeout", timeout.String())
		c.config.Exit(1)
	})
	defer hard.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if c.config.BeforeShutdown != nil {
		c.config.BeforeShutdown(ctx)
	}

	c.mu.Lock()
	servers := append([]managedServer(nil), c.servers...)
	resources := append([]Resource(nil), c.resources...)
	c.mu.Unlock()

	var errs []error
	if err := c.drain(ctx, servers, timeout/2); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeResources(ctx, resources); err != nil {
		errs = append(errs, err)
	}

	if c.config.OnShutdown != nil {
		c.config.OnShutdown(ctx)
	}

	c.err = errors.Join(errs...)
	c.state.Store(int32(StateStopped))
	close(c.done)
	c.logger.Info("shutdown complete", "error", c.err)

	if c.config.ExitOnComplete {
		c.config.Exit(0)
	}
	return c.err
}

// drain stops the listeners, disables keep-alive and waits for in-flight
// connections. Whatever is still open after window is destroyed.
func (c *Coordinator) drain(ctx context.Context, servers []managedServer, window time.Duration) error {
	drainCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(servers))
	for i, ms := range servers {
		wg.Add(1)
		go func(i int, ms managedServer) {
			defer wg.Done()
			ms.srv.SetKeepAlivesEnabled(false)

			err := ms.srv.Shutdown(drainCtx)
			if ms.tracker != nil && err == nil {
				// Shutdown does not wait on hijacked connections (websockets, h2c);
				// the tracker does when they came through its Listener
				err = ms.tracker.Wait(drainCtx)
			}
			if err == nil {
				return
			}

			forced := 0
			if ms.tracker != nil {
				forced = ms.tracker.CloseAll()
			}
			_ = ms.srv.Close()
			c.logger.Warn("forced connections closed after drain window",
				"addr", ms.srv.Addr,
				"connections", forced,
				"window", window.String(),
			)
			errs[i] = fmt.Errorf("drain %s: %w", ms.srv.Addr, err)
		}(i, ms)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) closeResources(ctx context.Context, resources []Resource) error {
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		start := time.Now()
		if err := r.Close(ctx); err != nil {
			c.logger.Error("failed to close resource",
				"resource", r.Name(),
				"error", err,
				"duration", time.Since(start).String(),
			)
			errs = append(errs, fmt.Errorf("close %s: %w", r.Name(), err))
			continue
		}
		c.logger.Info("resource closed successfully",
			"resource", r.Name(),
			"duration", time.Since(start).String(),
		)
	}
	return errors.Join(errs...)
}
