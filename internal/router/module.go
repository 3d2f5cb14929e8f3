package router

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/fsroute/fsroute/internal/handlers"
)

// ErrModuleNotFound is returned by a Resolver with nothing registered for a file
var ErrModuleNotFound = errors.New("module not found")

// Module is what a route or middleware file exports
type Module struct {
	// Methods maps an HTTP method to its handlers
	Methods map[string][]handlers.Handler

	// Default serves GET when Methods has no GET entry
	Default handlers.Handler

	// Any serves every method without its own handlers
	Any []handlers.Handler

	// Middleware hooks, used when the file is a _middleware module
	Before  []handlers.Hook
	After   []handlers.Hook
	OnError []handlers.Hook
}

// HasHandlers reports whether the module exports any route handler
func (m *Module) HasHandlers() bool {
	if m.Default != nil || len(m.Any) > 0 {
		return true
	}
	for _, hs := range m.Methods {
		if len(hs) > 0 {
			return true
		}
	}
	return false
}

// HasHooks reports whether the module exports any middleware hook
func (m *Module) HasHooks() bool {
	return len(m.Before) > 0 || len(m.After) > 0 || len(m.OnError) > 0
}

// Resolver turns a file discovered in the routes tree into a Module. rel is
// the slash-separated path of the file relative to root.
type Resolver interface {
	Resolve(root, rel string) (*Module, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(root, rel string) (*Module, error)

func (f ResolverFunc) Resolve(root, rel string) (*Module, error) {
	return f(root, rel)
}

// ModuleRegistry is a Resolver backed by modules compiled into the binary.
// Keys are relative paths without the extension, e.g. "api/[model]/index".
// The file on disk marks where the module is mounted; the code lives here.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewModuleRegistry creates an empty registry
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]*Module)}
}

// Register stores m under key
func (mr *ModuleRegistry) Register(key string, m Module) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.modules[moduleKey(key)] = &m
}

// Route registers a handler module for directory dir ("" for the root)
func (mr *ModuleRegistry) Route(dir string, m Module) {
	mr.Register(path.Join(dir, IndexName), m)
}

// Middleware registers a middleware module for directory dir ("" for the root)
func (mr *ModuleRegistry) Middleware(dir string, m Module) {
	mr.Register(path.Join(dir, MiddlewareName), m)
}

// Keys returns the registered keys, sorted
func (mr *ModuleRegistry) Keys() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	keys := make([]string, 0, len(mr.modules))
	for k := range mr.modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve implements Resolver
func (mr *ModuleRegistry) Resolve(_, rel string) (*Module, error) {
	key := moduleKey(rel)
	mr.mu.RLock()
	m, ok := mr.modules[key]
	mr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, key)
	}
	return m, nil
}

func moduleKey(rel string) string {
	rel = strings.Trim(path.Clean("/"+strings.ReplaceAll(rel, "\\", "/")), "/")
	if ext := path.Ext(rel); ext != "" {
		rel = strings.TrimSuffix(rel, ext)
	}
	return rel
}
