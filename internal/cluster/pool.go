package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsroute/fsroute/internal/cache"
	"github.com/fsroute/fsroute/internal/observability"
)

// ErrWorkerStopped is returned when a connection is handed to a worker that
// is no longer accepting
var ErrWorkerStopped = errors.New("worker stopped")

// Worker is a connection-serving unit managed by the pool
type Worker interface {
	ID() int

	// Serve hands a client connection to the worker
	Serve(conn net.Conn) error

	// Shutdown delivers the shutdown message and waits for the worker to drain
	Shutdown(ctx context.Context) error

	// Done is closed when the worker has exited, requested or not
	Done() <-chan struct{}

	// Err returns why the worker exited; nil after a requested shutdown
	Err() error
}

// Spawner starts a worker. The worker sends reports on the given channel
// and must never block on it.
type Spawner func(ctx context.Context, id int, reports chan<- Report) (Worker, error)

// PoolConfig configures a Pool
type PoolConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Workers to keep alive (0 = one per CPU)
	Workers int

	Algorithm      Algorithm
	StickySessions bool
	StickyCapacity int

	// RestartDelay is the fixed pause before an exited worker is replaced
	RestartDelay time.Duration

	Spawner Spawner

	// Metrics is optional
	Metrics *observability.Metrics
}

// Pool keeps a fixed number of workers alive and hands them connections
type Pool struct {
	config   *PoolConfig
	logger   *slog.Logger
	balancer *Balancer
	reports  chan Report

	mu      sync.Mutex
	workers map[int]Worker
	records map[int]*WorkerRecord
	nextID  int

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewPool validates config and creates an idle pool
func NewPool(config *PoolConfig) (*Pool, error) {
	if config.Spawner == nil {
		return nil, errors.New("cluster: pool requires a spawner")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = time.Second
	}

	var observer cache.Observer
	if config.Metrics != nil {
		observer = config.Metrics
	}
	balancer, err := NewBalancer(&BalancerConfig{
		Algorithm:      config.Algorithm,
		StickySessions: config.StickySessions,
		StickyCapacity: config.StickyCapacity,
		CacheObserver:  observer,
	})
	if err != nil {
		return nil, err
	}

	return &Pool{
		config:   config,
		logger:   config.Logger,
		balancer: balancer,
		reports:  make(chan Report, 64),
		workers:  make(map[int]Worker),
		records:  make(map[int]*WorkerRecord),
	}, nil
}

// Start spawns the workers and begins consuming reports. It fails if no
// worker could be started.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.consumeReports()

	var errs []error
	for i := 0; i < p.config.Workers; i++ {
		if err := p.spawn(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == p.config.Workers {
		p.cancel()
		return fmt.Errorf("start workers: %w", errors.Join(errs...))
	}

	p.logger.Info("worker pool started",
		"workers", p.config.Workers,
		"failed", len(errs),
		"algorithm", string(p.balancer.Algorithm()),
		"sticky_sessions", p.config.StickySessions,
	)
	return nil
}

func (p *Pool) spawn() error {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	w, err := p.config.Spawner(p.ctx, id, p.reports)
	if err != nil {
		p.logger.Error("failed to spawn worker", "worker_id", id, "error", err)
		p.scheduleRespawn()
		return fmt.Errorf("spawn worker %d: %w", id, err)
	}

	p.mu.Lock()
	p.workers[id] = w
	p.records[id] = &WorkerRecord{ID: id, LastActivity: time.Now()}
	p.mu.Unlock()
	p.config.Metrics.WorkerAdded()
	p.logger.Info("worker started", "worker_id", id)

	p.wg.Add(1)
	go p.watch(w)

	// lost a race with Shutdown
	if p.closing.Load() {
		go func() { _ = w.Shutdown(context.Background()) }()
	}
	return nil
}

// watch removes a worker once it exits and schedules its replacement
func (p *Pool) watch(w Worker) {
	defer p.wg.Done()
	<-w.Done()

	p.mu.Lock()
	delete(p.workers, w.ID())
	delete(p.records, w.ID())
	p.mu.Unlock()
	p.config.Metrics.WorkerRemoved(w.ID())

	if p.closing.Load() {
		p.logger.Debug("worker stopped", "worker_id", w.ID())
		return
	}
	p.logger.Warn("worker exited unexpectedly",
		"worker_id", w.ID(),
		"error", w.Err(),
		"restart_in", p.config.RestartDelay.String(),
	)
	p.scheduleRespawn()
}

func (p *Pool) scheduleRespawn() {
	if p.closing.Load() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.config.RestartDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			return
		}
		if p.closing.Load() {
			return
		}
		p.config.Metrics.WorkerRestarted()
		_ = p.spawn()
	}()
}

func (p *Pool) consumeReports() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case r := <-p.reports:
			p.apply(r)
		}
	}
}

func (p *Pool) apply(r Report) {
	p.mu.Lock()
	rec, ok := p.records[r.WorkerID]
	if ok {
		rec.Load = r.Load
		rec.ActiveConnections = r.Connections
		rec.Memory = r.Memory
		if !r.LastActivity.IsZero() {
			rec.LastActivity = r.LastActivity
		}
	}
	p.mu.Unlock()

	// reports from workers that already exited are ignored
	if ok {
		p.config.Metrics.WorkerReported(r.WorkerID, r.Load, r.Connections, r.Memory)
	}
}

// Records returns a snapshot of the registered workers ordered by id
func (p *Pool) Records() []WorkerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordsLocked()
}

func (p *Pool) recordsLocked() []WorkerRecord {
	out := make([]WorkerRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectWorker picks a registered worker for client (may be empty)
func (p *Pool) SelectWorker(client string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balancer.Select(p.recordsLocked(), client)
}

func (p *Pool) worker(id int) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

// Dispatch hands conn to a worker chosen for its remote address. A worker
// that stopped between selection and hand-off is skipped once.
func (p *Pool) Dispatch(conn net.Conn) error {
	client := clientID(conn.RemoteAddr())

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id, err := p.SelectWorker(client)
		if err != nil {
			return err
		}
		w, ok := p.worker(id)
		if !ok {
			lastErr = ErrWorkerStopped
			continue
		}
		if err := w.Serve(conn); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Serve accepts connections from ln until it is closed
func (p *Pool) Serve(ln net.Listener) error {
	p.logger.Info("accepting connections", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if err := p.Dispatch(conn); err != nil {
			p.logger.Warn("dropping connection",
				"remote_addr", conn.RemoteAddr().String(),
				"error", err,
			)
			_ = conn.Close()
		}
	}
}

// Shutdown stops respawning, sends the shutdown message to every worker and
// waits for them to exit
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	workers := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.logger.Info("stopping workers", "workers", len(workers))

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			if err := w.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("worker %d: %w", w.ID(), err)
			}
		}(i, w)
	}
	wg.Wait()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func clientID(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
