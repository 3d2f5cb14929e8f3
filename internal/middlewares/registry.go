// Package middlewares runs the before/after/error hook phases around route
// handlers. Hooks come from two places: process-lifetime global hooks added
// in code, and path-scoped hooks discovered from _middleware modules in the
// routes tree.
package middlewares

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsroute/fsroute/internal/handlers"
)

// ErrHalted is recorded when a global before/after hook stops the request
var ErrHalted = errors.New("halted by global hook")

// Entry is the set of hooks scoped to a path prefix
type Entry struct {
	Prefix  string
	Before  []handlers.Hook
	After   []handlers.Hook
	OnError []handlers.Hook
}

func (e *Entry) hooks(phase handlers.Phase) []handlers.Hook {
	switch phase {
	case handlers.PhaseBeforeRequest:
		return e.Before
	case handlers.PhaseAfterRequest:
		return e.After
	case handlers.PhaseOnError:
		return e.OnError
	}
	return nil
}

// Empty reports whether the entry has no hooks at all
func (e *Entry) Empty() bool {
	return len(e.Before) == 0 && len(e.After) == 0 && len(e.OnError) == 0
}

type scopedEntry struct {
	Entry
	segments []string
	statics  int
}

// matches is a segment-aware prefix test: "/api" covers "/api" and
// "/api/users" but not "/apix". Dynamic prefix segments match any segment;
// optional ones ([name?]) also match when the path ends before them.
func (s *scopedEntry) matches(path []string) bool {
	for i, seg := range s.segments {
		if seg == "*" || strings.HasPrefix(seg, "[...") {
			return true
		}
		if i >= len(path) {
			if isOptionalSegment(seg) {
				continue
			}
			return false
		}
		if isParamSegment(seg) {
			continue
		}
		if seg != path[i] {
			return false
		}
	}
	return true
}

func isParamSegment(seg string) bool {
	return len(seg) >= 3 && seg[0] == '[' && seg[len(seg)-1] == ']'
}

func isOptionalSegment(seg string) bool {
	return isParamSegment(seg) && strings.HasSuffix(seg, "?]")
}

type globalHook struct {
	id   uint64
	hook handlers.Hook
}

// Config holds registry configuration
type Config struct {
	Logger *slog.Logger
}

// Registry holds global and path-scoped hooks. Scoped entries are replaced
// wholesale by Load; requests in flight keep the set they started with.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	globals map[handlers.Phase][]globalHook
	nextID  uint64

	scoped atomic.Pointer[[]*scopedEntry]
}

// NewRegistry creates an empty registry
func NewRegistry(cfg *Config) *Registry {
	logger := slog.Default()
	if cfg != nil && cfg.Logger != nil {
		logger = cfg.Logger
	}
	r := &Registry{
		logger:  logger,
		globals: make(map[handlers.Phase][]globalHook),
	}
	empty := []*scopedEntry{}
	r.scoped.Store(&empty)
	return r
}

// Add registers a global hook for phase. Global hooks run before any scoped
// hook, in registration order. The returned func removes the hook.
func (r *Registry) Add(phase handlers.Phase, hook handlers.Hook) (remove func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.globals[phase] = append(r.globals[phase], globalHook{id: id, hook: hook})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hooks := r.globals[phase]
		for i, h := range hooks {
			if h.id == id {
				r.globals[phase] = append(hooks[:i:i], hooks[i+1:]...)
				return
			}
		}
	}
}

// Load replaces the scoped entries. Entries sharing a prefix are merged in
// the given order. Matching order is most specific prefix first.
func (r *Registry) Load(entries []Entry) {
	byPrefix := make(map[string]*scopedEntry)
	var order []*scopedEntry

	for _, e := range entries {
		prefix := normalizePrefix(e.Prefix)
		se, ok := byPrefix[prefix]
		if !ok {
			se = &scopedEntry{Entry: Entry{Prefix: prefix}, segments: splitSegments(prefix)}
			for _, seg := range se.segments {
				if !isParamSegment(seg) && seg != "*" {
					se.statics++
				}
			}
			byPrefix[prefix] = se
			order = append(order, se)
		}
		se.Before = append(se.Before, e.Before...)
		se.After = append(se.After, e.After...)
		se.OnError = append(se.OnError, e.OnError...)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(a.segments) != len(b.segments) {
			return len(a.segments) > len(b.segments)
		}
		if a.statics != b.statics {
			return a.statics > b.statics
		}
		return a.Prefix < b.Prefix
	})

	r.scoped.Store(&order)
	r.logger.Debug("middleware scope loaded", "prefixes", len(order))
}

// Entries returns the scoped entries in matching order
func (r *Registry) Entries() []Entry {
	scoped := *r.scoped.Load()
	out := make([]Entry, len(scoped))
	for i, se := range scoped {
		out[i] = se.Entry
	}
	return out
}

func (r *Registry) globalHooks(phase handlers.Phase) []handlers.Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := make([]handlers.Hook, len(r.globals[phase]))
	for i, h := range r.globals[phase] {
		hooks[i] = h.hook
	}
	return hooks
}

// Run executes phase for the request and reports whether the pipeline should
// continue. It stops at the first hook that returns false, fails, or once the
// response has been committed. A failing before/after hook records the error
// on rc and runs the onError phase, and so does a global hook returning false.
// A path-scoped false only halts. Failures inside onError are logged and
// skipped over.
func (r *Registry) Run(phase handlers.Phase, w *handlers.ResponseWriter, req *http.Request, rc *handlers.RequestContext) bool {
	for _, hook := range r.globalHooks(phase) {
		cont, halted := r.invoke(phase, hook, w, req, rc)
		if cont {
			continue
		}
		if halted && phase != handlers.PhaseOnError {
			r.Fail(phase, &HookError{Phase: phase, Err: ErrHalted}, w, req, rc)
		}
		return false
	}

	path := splitSegments(normalizePrefix(req.URL.Path))
	for _, se := range *r.scoped.Load() {
		if !se.matches(path) {
			continue
		}
		for _, hook := range se.hooks(phase) {
			if cont, _ := r.invoke(phase, hook, w, req, rc); !cont {
				return false
			}
		}
	}
	return true
}

// invoke runs one hook. halted is set when the hook itself returned false.
func (r *Registry) invoke(phase handlers.Phase, hook handlers.Hook, w *handlers.ResponseWriter, req *http.Request, rc *handlers.RequestContext) (cont, halted bool) {
	if w.Committed() {
		return false, false
	}

	err := Protect(func() error {
		var err error
		cont, err = hook(w, req, rc)
		return err
	})
	if err == nil {
		return cont, !cont
	}

	if phase == handlers.PhaseOnError {
		r.logger.Error("onError hook failed",
			"request_id", rc.ID,
			"path", req.URL.Path,
			"error", err,
			"panic", IsPanic(err),
		)
		// swallowed; remaining onError hooks still run
		return true, false
	}

	err = &HookError{Phase: phase, Err: err}
	r.logger.Warn("middleware hook failed",
		"request_id", rc.ID,
		"phase", string(phase),
		"path", req.URL.Path,
		"error", err,
		"panic", IsPanic(err),
	)
	r.Fail(phase, err, w, req, rc)
	return false, false
}

// Fail records err on rc and runs the onError phase
func (r *Registry) Fail(phase handlers.Phase, err error, w *handlers.ResponseWriter, req *http.Request, rc *handlers.RequestContext) {
	rc.SetError(phase, err)
	rc.Enter(handlers.StateError)
	r.Run(handlers.PhaseOnError, w, req, rc)
}

// normalizePrefix cleans slashes only. A '?' belongs to an optional
// segment ([name?]); request paths reach Run without their query.
func normalizePrefix(p string) string {
	p = "/" + strings.Trim(p, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func splitSegments(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
