package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseWriterBuffersUntilCommit(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.Header().Set("X-Test", "1")
	rw.WriteHeader(http.StatusCreated)
	_, err := rw.WriteString("hello")
	require.NoError(t, err)

	assert.True(t, rw.Written())
	assert.False(t, rw.Committed())
	assert.Empty(t, rec.Body.String(), "nothing reaches the client before commit")

	require.NoError(t, rw.Commit())
	assert.True(t, rw.Committed())
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.EqualValues(t, 5, rw.BytesWritten())

	// second commit is a no-op
	require.NoError(t, rw.Commit())
	assert.Equal(t, "hello", rec.Body.String())
}

func TestResponseWriterResetDiscardsBuffer(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	_, _ = rw.WriteString("partial")
	require.True(t, rw.Reset())

	assert.False(t, rw.Written())
	assert.Equal(t, http.StatusOK, rw.Status())
	assert.Empty(t, rw.Buffered())
}

func TestResponseWriterFlushStreams(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, _ = rw.WriteString("a")
	rw.Flush()
	assert.True(t, rw.Committed())
	assert.True(t, rec.Flushed)
	assert.Equal(t, "a", rec.Body.String())

	_, _ = rw.WriteString("b")
	assert.Equal(t, "ab", rec.Body.String(), "writes after flush go straight through")
	assert.False(t, rw.Reset(), "committed responses cannot be reset")
}

func TestResponseWriterAbortSuppressesLaterOutput(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	_, _ = rw.WriteString("stale")

	ok := rw.Abort(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusRequestTimeout)
		_, _ = w.Write([]byte("timeout"))
	})
	require.True(t, ok)

	n, err := rw.WriteString("late")
	assert.ErrorIs(t, err, ErrResponseSuppressed)
	assert.Zero(t, n)
	require.NoError(t, rw.Commit())

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "timeout", rec.Body.String())
	assert.False(t, rw.Abort(func(http.ResponseWriter) {}), "abort only once")
}

func TestResponseWriterAbortCarriesKeptHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.Header().Set("Content-Length", "5")
	rw.KeepHeaders()
	rw.Header().Set("X-Handler", "set after the checkpoint")

	require.True(t, rw.Abort(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("X-Handler"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
}

func TestResponseWriterNoContentLengthForNoContent(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	rw.WriteHeader(http.StatusNoContent)
	require.NoError(t, rw.Commit())
	assert.Empty(t, rec.Header().Get("Content-Length"))
}

func TestRequestContextTransitions(t *testing.T) {
	rc := NewRequestContext("req-1")
	assert.Equal(t, StateReceived, rc.State())

	assert.True(t, rc.Enter(StateBeforeMiddleware))
	assert.True(t, rc.Enter(StateRouting))
	assert.False(t, rc.Enter(StateRouting), "a state is visited once")
	assert.True(t, rc.Enter(StateError))
	assert.True(t, rc.Enter(StateSent))
	assert.False(t, rc.Enter(StateHandling), "SENT is terminal")

	assert.Equal(t, []State{
		StateReceived, StateBeforeMiddleware, StateRouting, StateError, StateSent,
	}, rc.History())
	assert.Equal(t, "BEFORE_MW", StateBeforeMiddleware.String())
}

func TestRequestContextFromContext(t *testing.T) {
	rc := NewRequestContext("abc")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithContext(req.Context(), rc))

	got, ok := FromContext(req.Context())
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, ok = FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
