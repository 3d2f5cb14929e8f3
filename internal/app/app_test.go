package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
	"github.com/fsroute/fsroute/internal/observability"
	"github.com/fsroute/fsroute/internal/router"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func touch(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
}

func reply(body string) handlers.Handler {
	return func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
		_, err := w.WriteString(body)
		return err
	}
}

func modules() *router.ModuleRegistry {
	mods := router.NewModuleRegistry()
	mods.Route("", router.Module{Default: reply("home")})
	mods.Route("users/[id]", router.Module{Default: func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) error {
		_, err := w.WriteString("user " + rc.Param("id"))
		return err
	}})
	mods.Route("late", router.Module{Default: reply("late")})
	mods.Middleware("users", router.Module{Before: []handlers.Hook{
		func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
			w.Header().Set("X-Scope", "users")
			return true, nil
		},
	}})
	return mods
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.App.Environment = config.EnvProduction
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Routes.Dir = dir
	cfg.Routes.Watch = false
	cfg.Dispatch.RequestTimeout = 5 * time.Second
	cfg.Dispatch.DefaultHeaders = map[string]string{"x-served-by": "fsroute"}
	return cfg
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRuntimeServesRoutesTree(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "index.route", "users/[id]/index.route", "users/_middleware.route")

	var hookRan bool
	rt, err := NewRuntime(context.Background(), &Options{
		Logger:   quiet,
		Config:   testConfig(dir),
		Resolver: modules(),
		Hooks: func(reg *middlewares.Registry) {
			reg.Add(handlers.PhaseBeforeRequest, func(w *handlers.ResponseWriter, r *http.Request, rc *handlers.RequestContext) (bool, error) {
				hookRan = true
				return true, nil
			})
		},
	}, "")
	require.NoError(t, err)
	defer rt.Close(context.Background())

	rec := get(t, rt.Handler(), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "home", rec.Body.String())
	assert.Equal(t, "fsroute", rec.Header().Get("X-Served-By"))
	assert.True(t, hookRan)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = get(t, rt.Handler(), "/users/42")
	assert.Equal(t, "user 42", rec.Body.String())
	assert.Equal(t, "users", rec.Header().Get("X-Scope"))

	rec = get(t, rt.Handler(), "/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, rt.Handler(), "/_health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"requests":{"total":3,`)
}

func TestRuntimeRateLimit(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "index.route")
	cfg := testConfig(dir)
	cfg.Security.RateLimit = 0.001
	cfg.Security.RateBurst = 2
	cfg.Security.CORSOrigins = []string{"*"}

	rt, err := NewRuntime(context.Background(), &Options{Logger: quiet, Config: cfg, Resolver: modules()}, "")
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.Equal(t, http.StatusOK, get(t, rt.Handler(), "/").Code)
	assert.Equal(t, http.StatusOK, get(t, rt.Handler(), "/").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, rt.Handler(), "/").Code)

	// operator endpoints bypass the hooks
	assert.Equal(t, http.StatusOK, get(t, rt.Handler(), "/_health").Code)
}

func TestRuntimeMissingRoutesDir(t *testing.T) {
	_, err := NewRuntime(context.Background(), &Options{
		Logger:   quiet,
		Config:   testConfig(filepath.Join(t.TempDir(), "nope")),
		Resolver: modules(),
	}, "")
	assert.ErrorIs(t, err, router.ErrRoutesDirMissing)
}

func TestRuntimeRequiresResolver(t *testing.T) {
	_, err := NewRuntime(context.Background(), &Options{Logger: quiet, Config: testConfig(t.TempDir())}, "")
	assert.Error(t, err)
}

func TestRuntimeHotReload(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "index.route")

	cfg := testConfig(dir)
	cfg.Routes.Watch = true
	metrics := observability.NewMetrics(&observability.MetricsConfig{Namespace: "apptest"})

	rt, err := NewRuntime(context.Background(), &Options{
		Logger:   quiet,
		Config:   cfg,
		Resolver: modules(),
		Metrics:  metrics,
	}, "")
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.Equal(t, http.StatusNotFound, get(t, rt.Handler(), "/late").Code)

	touch(t, dir, "late/index.route")
	require.Eventually(t, func() bool {
		return get(t, rt.Handler(), "/late").Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	rec := get(t, rt.Handler(), "/_metrics")
	assert.Contains(t, rec.Body.String(), `apptest_routes_reloads_total{result="ok"}`)
}

func startRun(t *testing.T, cfg *config.Config) (addr string, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, &Options{
			Logger:   quiet,
			Config:   cfg,
			Resolver: modules(),
			Listener: ln,
			Exit:     func(code int) { t.Errorf("unexpected exit %d", code) },
		})
	}()
	return ln.Addr().String(), cancel, errCh
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = client.Get(url)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRunSingleServer(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "index.route", "users/[id]/index.route")

	addr, cancel, done := startRun(t, testConfig(dir))

	code, body := fetch(t, "http://"+addr+"/users/7")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "user 7", body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunCluster(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "index.route", "users/[id]/index.route")

	cfg := testConfig(dir)
	cfg.Cluster.Enabled = true
	cfg.Cluster.Workers = 2
	cfg.Cluster.Algorithm = "least-connections"
	cfg.Cluster.ReportInterval = 10 * time.Millisecond

	addr, cancel, done := startRun(t, cfg)

	for i := 0; i < 4; i++ {
		code, body := fetch(t, "http://"+addr+"/")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "home", body)
	}

	// each worker reports on its own health endpoint
	code, body := fetch(t, "http://"+addr+"/_health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"worker_id":"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsUnknownAlgorithm(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Cluster.Enabled = true
	cfg.Cluster.Algorithm = "random"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = Run(context.Background(), &Options{Logger: quiet, Config: cfg, Resolver: modules(), Listener: ln})
	assert.Error(t, err)
}

func TestClusterWorkersGetFullShutdownWindow(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Server.ShutdownTimeout = 8 * time.Second

	lc := localWorkerConfig(cfg, quiet)
	assert.Equal(t, 8*time.Second, lc.ShutdownTimeout, "workers destroy open connections at timeout/2")
	assert.Equal(t, cfg.Cluster.ReportInterval, lc.ReportInterval)
}
