package handlers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
)

// ErrResponseSuppressed is returned by Write once the response has been taken
// over by the dispatcher (for example after a request timeout).
var ErrResponseSuppressed = errors.New("response suppressed")

// ResponseWriter buffers status, headers and body until the dispatcher
// finalizes the request or a handler calls Flush. Until then hooks can still
// rewrite the response. Once committed, writes go straight to the client.
// Implements http.Flusher, http.Hijacker and Unwrap for http.ResponseController.
type ResponseWriter struct {
	mu sync.Mutex

	w      http.ResponseWriter
	header http.Header
	kept   http.Header
	body   bytes.Buffer

	status       int
	wroteHeader  bool
	committed    bool
	suppressed   bool
	bytesWritten int64
}

// NewResponseWriter wraps w
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		w:      w,
		header: make(http.Header),
		status: http.StatusOK,
	}
}

// Header returns the buffered header map. Changes after commit have no effect.
func (rw *ResponseWriter) Header() http.Header {
	return rw.header
}

func (rw *ResponseWriter) WriteHeader(code int) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.committed || rw.suppressed {
		return
	}
	rw.status = code
	rw.wroteHeader = true
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.suppressed {
		return 0, ErrResponseSuppressed
	}
	rw.wroteHeader = true
	if rw.committed {
		n, err := rw.w.Write(b)
		rw.bytesWritten += int64(n)
		return n, err
	}
	return rw.body.Write(b)
}

// WriteString is a convenience wrapper around Write
func (rw *ResponseWriter) WriteString(s string) (int, error) {
	return rw.Write([]byte(s))
}

// Status returns the status code that was or will be sent
func (rw *ResponseWriter) Status() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.status
}

// Written reports whether a status or body has been produced
func (rw *ResponseWriter) Written() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.wroteHeader
}

// Committed reports whether headers have been sent to the client
func (rw *ResponseWriter) Committed() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.committed
}

// BytesWritten returns the number of body bytes sent to the client
func (rw *ResponseWriter) BytesWritten() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.bytesWritten
}

// Buffered returns a copy of the body not yet sent
func (rw *ResponseWriter) Buffered() []byte {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return bytes.Clone(rw.body.Bytes())
}

// Reset discards the buffered status and body. It reports false when the
// response is already committed.
func (rw *ResponseWriter) Reset() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.committed || rw.suppressed {
		return false
	}
	rw.body.Reset()
	rw.status = http.StatusOK
	rw.wroteHeader = false
	rw.header.Del("Content-Length")
	rw.header.Del("Content-Type")
	return true
}

// Commit sends the buffered status, headers and body. Calling it again is a no-op.
func (rw *ResponseWriter) Commit() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.committed || rw.suppressed {
		return nil
	}
	return rw.commitLocked(true)
}

// Flush commits the response and flushes the underlying writer, switching the
// writer into streaming mode.
func (rw *ResponseWriter) Flush() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.suppressed {
		return
	}
	if !rw.committed {
		if err := rw.commitLocked(false); err != nil {
			return
		}
	}
	if f, ok := rw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *ResponseWriter) commitLocked(final bool) error {
	dst := rw.w.Header()
	for k, v := range rw.header {
		dst[k] = v
	}
	if final && bodyAllowed(rw.status) && dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(rw.body.Len()))
	}
	rw.w.WriteHeader(rw.status)
	rw.committed = true
	rw.wroteHeader = true

	if rw.body.Len() == 0 {
		return nil
	}
	n, err := rw.w.Write(rw.body.Bytes())
	rw.bytesWritten += int64(n)
	rw.body.Reset()
	return err
}

// KeepHeaders records the current headers as the ones an Abort response
// carries. It must be called from the goroutine that writes the headers.
func (rw *ResponseWriter) KeepHeaders() {
	kept := rw.header.Clone()
	kept.Del("Content-Length")
	kept.Del("Content-Encoding")

	rw.mu.Lock()
	rw.kept = kept
	rw.mu.Unlock()
}

// Abort replaces the pending response with whatever send writes directly to
// the client and suppresses all later output. Headers saved by KeepHeaders
// are sent along. It reports false when the response was already committed.
func (rw *ResponseWriter) Abort(send func(w http.ResponseWriter)) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.committed || rw.suppressed {
		return false
	}
	rw.body.Reset()
	dst := rw.w.Header()
	for k, v := range rw.kept {
		dst[k] = v
	}
	send(rw.w)
	rw.committed = true
	rw.suppressed = true
	return true
}

// Unwrap supports http.ResponseController
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.w
}

// Hijack implements http.Hijacker for protocol upgrades
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.suppressed {
		return nil, nil, ErrResponseSuppressed
	}
	h, ok := rw.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported by underlying ResponseWriter")
	}
	conn, brw, err := h.Hijack()
	if err == nil {
		rw.committed = true
		rw.suppressed = true
	}
	return conn, brw, err
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
