package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTree creates empty marker files under root
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("// route module\n"), 0o644))
	}
}

func passHook(name string, calls *[]string) handlers.Hook {
	return func(*handlers.ResponseWriter, *http.Request, *handlers.RequestContext) (bool, error) {
		*calls = append(*calls, name)
		return true, nil
	}
}

func newLoader(t *testing.T, res Resolver) *Loader {
	t.Helper()
	l, err := NewLoader(&LoaderConfig{Logger: quietLogger(), Resolver: res})
	require.NoError(t, err)
	return l
}

func TestLoaderBuildsRoutesFromTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"index.route",
		"api/methods/index.route",
		"api/[model]/index.route",
		"api/models/[model]/[id]/index.route",
		"files/[...path]/index.route",
		"posts/[page?]/index.route",
		"api/README.md",
		".git/index.route",
		"node_modules/pkg/index.route",
	)

	mods := NewModuleRegistry()
	mods.Route("", Module{Default: tagged("home")})
	mods.Route("api/methods", Module{Methods: map[string][]handlers.Handler{
		http.MethodGet:  {tagged("methods-get")},
		http.MethodPost: {tagged("methods-post")},
	}})
	mods.Route("api/[model]", Module{Default: tagged("model")})
	mods.Route("api/models/[model]/[id]", Module{Any: []handlers.Handler{tagged("item")}})
	mods.Route("files/[...path]", Module{Default: tagged("files")})
	mods.Route("posts/[page?]", Module{Default: tagged("posts")})

	res, err := newLoader(t, mods).Load(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	tbl := res.Table
	assert.Equal(t, "home", handlerTag(t, tbl.Match("GET", "/")))
	assert.Equal(t, "methods-get", handlerTag(t, tbl.Match("GET", "/api/methods")))
	assert.Equal(t, "methods-post", handlerTag(t, tbl.Match("POST", "/api/methods")))

	m := tbl.Match("GET", "/api/users")
	assert.Equal(t, "model", handlerTag(t, m))
	assert.Equal(t, "users", m.Params["model"])

	m = tbl.Match("DELETE", "/api/models/user/9")
	assert.Equal(t, "item", handlerTag(t, m))
	assert.Equal(t, map[string]string{"model": "user", "id": "9"}, m.Params)

	m = tbl.Match("GET", "/files/a/b.txt")
	assert.Equal(t, "a/b.txt", m.Params["path"])

	assert.Equal(t, "posts", handlerTag(t, tbl.Match("GET", "/posts")))
	assert.Equal(t, NotFound, tbl.Match("GET", "/node_modules/pkg").Status)
	assert.Equal(t, NotFound, tbl.Match("GET", "/.git").Status)
}

func TestLoaderSkipsFailingModules(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"ok/index.route",
		"broken/index.route",
		"panics/index.route",
		"missing/index.route",
	)

	mods := NewModuleRegistry()
	mods.Route("ok", Module{Default: tagged("ok")})
	res := ResolverFunc(func(r, rel string) (*Module, error) {
		switch rel {
		case "broken/index.route":
			return nil, errors.New("syntax error")
		case "panics/index.route":
			panic("module init failed")
		}
		return mods.Resolve(r, rel)
	})

	out, err := newLoader(t, res).Load(context.Background(), root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"broken/index.route", "panics/index.route", "missing/index.route"}, out.Skipped)
	assert.Equal(t, "ok", handlerTag(t, out.Table.Match("GET", "/ok")))
	assert.Equal(t, NotFound, out.Table.Match("GET", "/broken").Status)
}

func TestLoaderCollectsMiddleware(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"_middleware.route",
		"api/_middleware.route",
		"api/[model]/_middleware.route",
		"api/[model]/index.route",
	)

	var calls []string
	mods := NewModuleRegistry()
	mods.Middleware("", Module{Before: []handlers.Hook{passHook("root", &calls)}})
	mods.Middleware("api", Module{Before: []handlers.Hook{passHook("api", &calls)}})
	mods.Middleware("api/[model]", Module{After: []handlers.Hook{passHook("model-after", &calls)}})
	mods.Route("api/[model]", Module{Default: tagged("model")})

	res, err := newLoader(t, mods).Load(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, res.Middleware, 3)
	assert.Equal(t, "/", res.Middleware[0].Prefix)
	assert.Equal(t, "/api", res.Middleware[1].Prefix)
	assert.Equal(t, "/api/[model]", res.Middleware[2].Prefix)
	assert.Len(t, res.Middleware[2].After, 1)
}

func TestLoaderMissingRoot(t *testing.T) {
	_, err := newLoader(t, NewModuleRegistry()).Load(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrRoutesDirMissing)

	_, err = NewLoader(&LoaderConfig{})
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestModuleRegistryKeys(t *testing.T) {
	mods := NewModuleRegistry()
	mods.Route("api/[model]", Module{Default: tagged("x")})
	mods.Middleware("", Module{Before: []handlers.Hook{passHook("x", new([]string))}})

	assert.Equal(t, []string{"_middleware", "api/[model]/index"}, mods.Keys())

	m, err := mods.Resolve("/srv/routes", "api/[model]/index.go")
	require.NoError(t, err)
	assert.True(t, m.HasHandlers())

	_, err = mods.Resolve("/srv/routes", "other/index.js")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

type recordingScope struct {
	mu      sync.Mutex
	entries [][]middlewares.Entry
}

func (s *recordingScope) Load(entries []middlewares.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries)
}

type reloadCounter struct {
	ok, failed atomic.Int32
}

func (c *reloadCounter) RoutesReloaded(err error, _ time.Duration) {
	if err != nil {
		c.failed.Add(1)
		return
	}
	c.ok.Add(1)
}

func TestReloaderSwapsTableAndClearsCache(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/index.route")

	mods := NewModuleRegistry()
	mods.Route("a", Module{Default: tagged("a-v1")})
	mods.Route("b", Module{Default: tagged("b")})

	rt := New(&Config{Logger: quietLogger(), CacheSize: 10})
	scope := &recordingScope{}
	counter := &reloadCounter{}
	rl := NewReloader(&ReloaderConfig{
		Logger:     quietLogger(),
		Dir:        root,
		Loader:     newLoader(t, mods),
		Router:     rt,
		Middleware: scope,
		Observer:   counter,
	})

	require.NoError(t, rl.Reload(context.Background()))
	assert.Equal(t, "a-v1", handlerTag(t, rt.Match("GET", "/a")))
	assert.Equal(t, 1, rt.CacheLen())

	// change the module behind /a and add /b on disk
	mods.Route("a", Module{Default: tagged("a-v2")})
	writeTree(t, root, "b/index.route")
	require.NoError(t, rl.Reload(context.Background()))

	assert.Equal(t, 0, rt.CacheLen(), "reload starts with an empty cache")
	assert.Equal(t, "a-v2", handlerTag(t, rt.Match("GET", "/a")))
	assert.Equal(t, "b", handlerTag(t, rt.Match("GET", "/b")))
	assert.EqualValues(t, 2, rt.Generation())
	assert.Len(t, scope.entries, 2)
	assert.EqualValues(t, 2, counter.ok.Load())
}

func TestReloaderKeepsRoutesOnFailure(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/index.route")
	mods := NewModuleRegistry()
	mods.Route("a", Module{Default: tagged("a")})

	rt := New(&Config{Logger: quietLogger()})
	counter := &reloadCounter{}
	rl := NewReloader(&ReloaderConfig{Logger: quietLogger(), Dir: root, Loader: newLoader(t, mods), Router: rt, Observer: counter})
	require.NoError(t, rl.Reload(context.Background()))

	require.NoError(t, os.RemoveAll(root))
	assert.Error(t, rl.Reload(context.Background()))
	assert.Equal(t, "a", handlerTag(t, rt.Match("GET", "/a")))
	assert.EqualValues(t, 1, counter.failed.Load())
}

func TestReloaderCollapsesOverlappingTriggers(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/index.route")

	var scans atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	res := ResolverFunc(func(string, string) (*Module, error) {
		n := scans.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
		return &Module{Default: tagged("a")}, nil
	})

	rt := New(&Config{Logger: quietLogger()})
	rl := NewReloader(&ReloaderConfig{Logger: quietLogger(), Dir: root, Loader: newLoader(t, res), Router: rt})

	rl.Trigger(context.Background())
	<-started

	// three triggers while the first scan is blocked
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Reload(context.Background()))
	}
	close(release)
	rl.Wait()

	assert.EqualValues(t, 2, scans.Load(), "one reload plus exactly one follow-up")
	assert.EqualValues(t, 2, rt.Generation())
}

func TestRouterCachesMatches(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert("GET", "/x/[id]", tagged("x")))

	rt := New(&Config{Logger: quietLogger(), CacheSize: 2})
	rt.Swap(tbl)

	rt.Match("GET", "/x/1")
	rt.Match("get", "/x/1/")
	assert.Equal(t, 1, rt.CacheLen(), "method and path are normalized before caching")

	rt.Match("GET", "/missing")
	assert.Equal(t, 1, rt.CacheLen(), "not-found results are not cached")

	rt.Match("POST", "/x/1")
	assert.Equal(t, 2, rt.CacheLen(), "method-not-allowed results are cached")

	rt.Match("GET", "/x/2")
	assert.LessOrEqual(t, rt.CacheLen(), 2)
}
