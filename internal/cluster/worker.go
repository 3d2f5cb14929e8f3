package cluster

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsroute/fsroute/internal/server"
)

// ErrWorkerKilled is the exit error of a worker stopped by Kill
var ErrWorkerKilled = errors.New("worker killed")

// HandlerFactory builds the request handler of one worker. Every call must
// build its own router and middleware registry. The optional resource is
// closed after the worker has drained.
type HandlerFactory func(ctx context.Context, id int) (http.Handler, server.Resource, error)

// LocalConfig configures in-process workers
type LocalConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Server configures each worker's http.Server; Addr and Tracker are set per worker
	Server *server.Config

	// ShutdownTimeout bounds a worker's drain after the shutdown message
	ShutdownTimeout time.Duration

	// ReportInterval is how often load reports are sent (default 1s)
	ReportInterval time.Duration
}

// LocalSpawner returns a Spawner that runs workers in this process, each
// with its own http.Server fed from a channel listener
func LocalSpawner(factory HandlerFactory, config *LocalConfig) Spawner {
	if config == nil {
		config = &LocalConfig{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = time.Second
	}

	return func(ctx context.Context, id int, reports chan<- Report) (Worker, error) {
		handler, resource, err := factory(ctx, id)
		if err != nil {
			return nil, err
		}
		w := newLocalWorker(id, handler, resource, reports, config)
		go w.run()
		return w, nil
	}
}

// LocalWorker is an in-process worker. It shares nothing with the pool but
// the report channel and the connections it is handed.
type LocalWorker struct {
	id       int
	logger   *slog.Logger
	config   *LocalConfig
	reports  chan<- Report
	listener *chanListener
	srv      *http.Server
	tracker  *server.ConnTracker
	coord    *server.Coordinator

	busy         atomic.Int64 // nanoseconds spent in handlers
	lastActivity atomic.Int64 // unix nanoseconds

	killed   atomic.Bool
	done     chan struct{}
	exitOnce sync.Once
	err      error
}

func newLocalWorker(id int, handler http.Handler, resource server.Resource, reports chan<- Report, config *LocalConfig) *LocalWorker {
	logger := config.Logger.With("worker_id", id)
	w := &LocalWorker{
		id:       id,
		logger:   logger,
		config:   config,
		reports:  reports,
		listener: newChanListener("worker-" + strconv.Itoa(id)),
		tracker:  server.NewConnTracker(),
		done:     make(chan struct{}),
	}

	var srvConfig server.Config
	if config.Server != nil {
		srvConfig = *config.Server
	} else {
		srvConfig = *server.DefaultConfig("")
	}
	srvConfig.Addr = w.listener.Addr().String()
	srvConfig.Logger = logger
	srvConfig.Tracker = w.tracker
	w.srv = server.New(w.instrument(handler), &srvConfig)

	w.coord = server.NewCoordinator(&server.ShutdownConfig{
		Logger:  logger,
		Timeout: config.ShutdownTimeout,
		Exit: func(code int) {
			if code != 0 {
				w.exit(errors.New("worker shutdown timed out"))
			}
		},
	})
	w.coord.AddServer(w.srv, w.tracker)
	if resource != nil {
		w.coord.Register(resource)
	}
	return w
}

// instrument measures busy time for load reports
func (w *LocalWorker) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.lastActivity.Store(start.UnixNano())
		defer func() {
			w.busy.Add(int64(time.Since(start)))
		}()
		next.ServeHTTP(rw, r)
	})
}

func (w *LocalWorker) run() {
	stopReports := make(chan struct{})
	go w.reportLoop(stopReports)
	defer close(stopReports)

	errCh := make(chan error, 1)
	go func() { errCh <- w.srv.Serve(w.tracker.Listener(w.listener)) }()

	select {
	case err := <-errCh:
		if w.killed.Load() {
			w.exit(ErrWorkerKilled)
			return
		}
		if !errors.Is(err, http.ErrServerClosed) {
			w.exit(err)
			return
		}
		// the coordinator closed the server; wait for the drain to finish
		<-w.coord.Done()
		w.exit(nil)
	case <-w.coord.Done():
		w.exit(nil)
	}
}

func (w *LocalWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.err = err
		w.listener.Close()
		w.listener.discard()
		close(w.done)
	})
}

func (w *LocalWorker) reportLoop(stop <-chan struct{}) {
	interval := w.config.ReportInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBusy int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			busy := w.busy.Load()
			load := float64(busy-lastBusy) / float64(interval)
			lastBusy = busy
			if load > 1 {
				load = 1
			}
			w.send(load)
		}
	}
}

func (w *LocalWorker) send(load float64) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r := Report{
		WorkerID:    w.id,
		Load:        load,
		Connections: w.tracker.Active(),
		Memory:      mem.HeapAlloc,
	}
	if ns := w.lastActivity.Load(); ns > 0 {
		r.LastActivity = time.Unix(0, ns)
	}

	select {
	case w.reports <- r:
	default:
		w.logger.Debug("report dropped, pool is busy")
	}
}

func (w *LocalWorker) ID() int {
	return w.id
}

func (w *LocalWorker) Serve(conn net.Conn) error {
	return w.listener.deliver(conn)
}

// Shutdown delivers the shutdown message: the worker drains its connections,
// closes its resource and exits
func (w *LocalWorker) Shutdown(ctx context.Context) error {
	go func() { _ = w.coord.Shutdown("shutdown message") }()

	select {
	case <-w.done:
		return w.coord.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill stops the worker abruptly, as if it had crashed
func (w *LocalWorker) Kill() {
	w.killed.Store(true)
	w.tracker.CloseAll()
	_ = w.srv.Close()
	w.exit(ErrWorkerKilled)
}

func (w *LocalWorker) Done() <-chan struct{} {
	return w.done
}

func (w *LocalWorker) Err() error {
	<-w.done
	return w.err
}

// chanListener is a net.Listener fed by the pool
type chanListener struct {
	addr   workerAddr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

type workerAddr string

func (a workerAddr) Network() string { return "worker" }
func (a workerAddr) String() string  { return string(a) }

func newChanListener(name string) *chanListener {
	return &chanListener{
		addr:   workerAddr(name),
		conns:  make(chan net.Conn, 64),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// discard closes connections that were delivered but never accepted
func (l *chanListener) discard() {
	for {
		select {
		case c := <-l.conns:
			_ = c.Close()
		default:
			return
		}
	}
}

func (l *chanListener) Addr() net.Addr {
	return l.addr
}

func (l *chanListener) deliver(c net.Conn) error {
	select {
	case <-l.closed:
		return ErrWorkerStopped
	default:
	}
	select {
	case l.conns <- c:
		return nil
	case <-l.closed:
		return ErrWorkerStopped
	}
}
