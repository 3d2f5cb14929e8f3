package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsroute/fsroute/internal/handlers"
	"github.com/fsroute/fsroute/internal/middlewares"
)

const (
	// IndexName is the file stem that marks a route handler module
	IndexName = "index"

	// MiddlewareName is the file stem that marks a middleware module
	MiddlewareName = "_middleware"
)

var (
	ErrNoResolver       = errors.New("loader has no module resolver")
	ErrRoutesDirMissing = errors.New("routes directory not readable")
)

// knownMethods are the method keys a module may export, in insertion order
var knownMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodHead,
	http.MethodOptions,
}

// LoaderConfig holds loader configuration
type LoaderConfig struct {
	Logger   *slog.Logger
	Resolver Resolver

	// SkipDirs are directory names never descended into, besides hidden ones
	SkipDirs []string
}

// Loader walks a routes directory and builds a route Table and the
// path-scoped middleware entries.
type Loader struct {
	logger   *slog.Logger
	resolver Resolver
	skip     map[string]struct{}
}

// LoadResult is the output of one directory scan
type LoadResult struct {
	Table      *Table
	Middleware []middlewares.Entry

	// Skipped lists modules and directories that failed and were left out
	Skipped []string
}

// NewLoader creates a loader
func NewLoader(cfg *LoaderConfig) (*Loader, error) {
	if cfg == nil || cfg.Resolver == nil {
		return nil, ErrNoResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	skip := map[string]struct{}{"node_modules": {}, "vendor": {}}
	for _, d := range cfg.SkipDirs {
		skip[d] = struct{}{}
	}
	return &Loader{logger: logger, resolver: cfg.Resolver, skip: skip}, nil
}

// Load scans dir depth-first. A module that fails to resolve or a directory
// that cannot be read is logged and skipped; only an unreadable root fails
// the whole load.
func (l *Loader) Load(ctx context.Context, dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoutesDirMissing, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRoutesDirMissing, dir)
	}

	res := &LoadResult{Table: NewTable()}
	if err := l.walk(ctx, dir, dir, "", res); err != nil {
		return nil, err
	}

	l.logger.Info("routes loaded",
		"dir", dir,
		"routes", res.Table.Len(),
		"middleware_scopes", len(res.Middleware),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

func (l *Loader) walk(ctx context.Context, root, abs, rel string, res *LoadResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if rel == "" {
			return fmt.Errorf("%w: %v", ErrRoutesDirMissing, err)
		}
		l.logger.Warn("skipping unreadable directory", "dir", rel, "error", err)
		res.Skipped = append(res.Skipped, rel)
		return nil
	}

	var indexFile, middlewareFile string
	var subdirs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if l.skipDir(name) {
				continue
			}
			subdirs = append(subdirs, name)
			continue
		}

		switch stem(name) {
		case IndexName:
			if indexFile != "" {
				l.logger.Warn("multiple index modules, using the first", "dir", rel, "used", indexFile, "ignored", name)
				continue
			}
			indexFile = name
		case MiddlewareName:
			if middlewareFile != "" {
				l.logger.Warn("multiple middleware modules, using the first", "dir", rel, "used", middlewareFile, "ignored", name)
				continue
			}
			middlewareFile = name
		}
	}

	pattern := "/" + rel

	// middleware of a directory is collected before its routes and before
	// any deeper directory
	if middlewareFile != "" {
		l.loadMiddleware(root, path.Join(rel, middlewareFile), pattern, res)
	}
	if indexFile != "" {
		l.loadRoute(root, path.Join(rel, indexFile), pattern, res)
	}

	sort.Strings(subdirs)
	for _, name := range subdirs {
		if err := l.walk(ctx, root, filepath.Join(abs, name), path.Join(rel, name), res); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := l.skip[name]
	return ok
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// resolve calls the resolver, converting a panic into an error
func (l *Loader) resolve(root, rel string) (m *Module, err error) {
	err = middlewares.Protect(func() error {
		var rerr error
		m, rerr = l.resolver.Resolve(root, rel)
		return rerr
	})
	if err == nil && m == nil {
		err = fmt.Errorf("%w: %s", ErrModuleNotFound, rel)
	}
	return m, err
}

func (l *Loader) loadRoute(root, rel, pattern string, res *LoadResult) {
	m, err := l.resolve(root, rel)
	if err != nil {
		l.logger.Error("failed to load route module", "file", rel, "error", err)
		res.Skipped = append(res.Skipped, rel)
		return
	}
	if !m.HasHandlers() {
		l.logger.Warn("route module exports no handlers", "file", rel)
		return
	}

	for _, method := range knownMethods {
		if hs := m.Methods[method]; len(hs) > 0 {
			l.insert(res, method, pattern, rel, hs)
		}
	}
	// methods outside the known set are still honored, in a stable order
	var extra []string
	for method := range m.Methods {
		if !isKnownMethod(method) {
			extra = append(extra, method)
		}
	}
	sort.Strings(extra)
	for _, method := range extra {
		if hs := m.Methods[method]; len(hs) > 0 {
			l.insert(res, method, pattern, rel, hs)
		}
	}

	if m.Default != nil && len(m.Methods[http.MethodGet]) == 0 {
		l.insert(res, http.MethodGet, pattern, rel, []handlers.Handler{m.Default})
	}
	if len(m.Any) > 0 {
		l.insert(res, "", pattern, rel, m.Any)
	}
}

func (l *Loader) insert(res *LoadResult, method, pattern, rel string, hs []handlers.Handler) {
	if err := res.Table.Insert(method, pattern, hs...); err != nil {
		l.logger.Error("failed to register route", "file", rel, "method", method, "pattern", pattern, "error", err)
		res.Skipped = append(res.Skipped, rel)
	}
}

func (l *Loader) loadMiddleware(root, rel, prefix string, res *LoadResult) {
	m, err := l.resolve(root, rel)
	if err != nil {
		l.logger.Error("failed to load middleware module", "file", rel, "error", err)
		res.Skipped = append(res.Skipped, rel)
		return
	}
	if !m.HasHooks() {
		l.logger.Warn("middleware module exports no hooks", "file", rel)
		return
	}
	res.Middleware = append(res.Middleware, middlewares.Entry{
		Prefix:  prefix,
		Before:  m.Before,
		After:   m.After,
		OnError: m.OnError,
	})
}

func isKnownMethod(method string) bool {
	for _, m := range knownMethods {
		if m == method {
			return true
		}
	}
	return false
}
