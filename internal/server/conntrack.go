package server

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// ConnTracker follows connections through http.Server.ConnState so the
// shutdown coordinator can see what is still open and force-close it.
type ConnTracker struct {
	mu      sync.Mutex
	conns   map[net.Conn]http.ConnState
	drained chan struct{}
}

// NewConnTracker creates an empty tracker
func NewConnTracker() *ConnTracker {
	drained := make(chan struct{})
	close(drained)
	return &ConnTracker{
		conns:   make(map[net.Conn]http.ConnState),
		drained: drained,
	}
}

// Hook is installed as http.Server.ConnState
func (t *ConnTracker) Hook(c net.Conn, state http.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch state {
	case http.StateNew, http.StateActive, http.StateIdle:
		if len(t.conns) == 0 {
			t.drained = make(chan struct{})
		}
		t.conns[c] = state
	case http.StateHijacked:
		// only connections accepted through Listener report their own close
		if _, ok := c.(*trackedConn); ok {
			if _, known := t.conns[c]; known {
				t.conns[c] = state
				return
			}
		}
		t.forgetLocked(c)
	case http.StateClosed:
		t.forgetLocked(c)
	}
}

func (t *ConnTracker) forget(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetLocked(c)
}

func (t *ConnTracker) forgetLocked(c net.Conn) {
	if _, ok := t.conns[c]; !ok {
		return
	}
	delete(t.conns, c)
	if len(t.conns) == 0 {
		close(t.drained)
	}
}

// Listener wraps ln so that hijacked connections (websockets, h2c) stay
// tracked until they are closed.
func (t *ConnTracker) Listener(ln net.Listener) net.Listener {
	return &trackingListener{Listener: ln, tracker: t}
}

type trackingListener struct {
	net.Listener
	tracker *ConnTracker
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &trackedConn{Conn: c, tracker: l.tracker}, nil
}

type trackedConn struct {
	net.Conn
	tracker *ConnTracker
	once    sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.tracker.forget(c) })
	return err
}

// Active returns the number of open connections
func (t *ConnTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Busy returns the number of connections currently serving a request,
// hijacked ones included
func (t *ConnTracker) Busy() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.conns {
		if s == http.StateActive || s == http.StateHijacked {
			n++
		}
	}
	return n
}

// Wait blocks until every tracked connection has finished or ctx ends
func (t *ConnTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	drained := t.drained
	t.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll force-closes every tracked connection and returns how many
// were open
func (t *ConnTracker) CloseAll() int {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
