package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/fsroute/fsroute/internal/handlers"
)

var (
	ErrInvalidPattern      = errors.New("invalid route pattern")
	ErrWildcardNotTerminal = errors.New("wildcard must be the last segment")
	ErrParamConflict       = errors.New("conflicting parameter at the same position")
)

// Status is the outcome of a route match
type Status int

const (
	NotFound Status = iota
	MethodNotAllowed
	Found
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case MethodNotAllowed:
		return "method_not_allowed"
	default:
		return "not_found"
	}
}

// Match is the result of resolving a (method, path) pair
type Match struct {
	Status   Status
	Handlers []handlers.Handler
	Params   map[string]string
	Allowed  []string
	Pattern  string
}

// RouteInfo describes one registered endpoint
type RouteInfo struct {
	Pattern string
	Methods []string
}

type node struct {
	static map[string]*node

	param     *node
	paramName string
	optional  bool

	wildcard     *node
	wildcardName string

	endpoint bool
	pattern  string
	handlers map[string][]handlers.Handler
}

func newNode() *node {
	return &node{static: make(map[string]*node)}
}

// lookup resolves the handlers for method on an endpoint: the exact method
// first, HEAD falling back to GET, then the method-agnostic default.
func (n *node) lookup(method string) []handlers.Handler {
	if hs := n.handlers[method]; len(hs) > 0 {
		return hs
	}
	if method == http.MethodHead {
		if hs := n.handlers[http.MethodGet]; len(hs) > 0 {
			return hs
		}
	}
	return n.handlers[""]
}

func (n *node) allowed() []string {
	out := make([]string, 0, len(n.handlers))
	for m, hs := range n.handlers {
		if m != "" && len(hs) > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Table is a segment trie plus a static fast path. A Table is built once per
// load and then only read, so concurrent Match calls need no locking.
type Table struct {
	root   *node
	static map[string]*node
	routes int
}

// NewTable returns an empty route table
func NewTable() *Table {
	return &Table{
		root:   newNode(),
		static: make(map[string]*node),
	}
}

// Len returns the number of (method, pattern) registrations
func (t *Table) Len() int {
	return t.routes
}

// Insert registers handlers for method at pattern. An empty method registers
// the default used by any method without its own handlers. Repeated inserts
// for the same method stack handlers in order.
func (t *Table) Insert(method, pattern string, hs ...handlers.Handler) error {
	if len(hs) == 0 {
		return fmt.Errorf("%w: %s %s has no handlers", ErrInvalidPattern, method, pattern)
	}
	for _, h := range hs {
		if h == nil {
			return fmt.Errorf("%w: %s %s has a nil handler", ErrInvalidPattern, method, pattern)
		}
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	p := normalizePattern(pattern)
	segs := splitPath(p)

	n := t.root
	dynamic := false
	for i, seg := range segs {
		kind, name := parseSegment(seg)
		switch kind {
		case segmentStatic:
			child, ok := n.static[seg]
			if !ok {
				child = newNode()
				n.static[seg] = child
			}
			n = child

		case segmentParam, segmentOptional:
			dynamic = true
			optional := kind == segmentOptional
			if n.param == nil {
				n.param = newNode()
				n.param.paramName = name
				n.param.optional = optional
			} else if n.param.paramName != name || n.param.optional != optional {
				return fmt.Errorf("%w: %s vs [%s] in %s", ErrParamConflict, seg, n.param.paramName, p)
			}
			n = n.param

		case segmentWildcard:
			dynamic = true
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %s", ErrWildcardNotTerminal, p)
			}
			if n.wildcard == nil {
				n.wildcard = newNode()
				n.wildcard.wildcardName = name
			} else if n.wildcard.wildcardName != name {
				return fmt.Errorf("%w: %s in %s", ErrParamConflict, seg, p)
			}
			n = n.wildcard
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string][]handlers.Handler)
	}
	n.endpoint = true
	n.pattern = p
	n.handlers[method] = append(n.handlers[method], hs...)
	if !dynamic {
		t.static[p] = n
	}
	t.routes++
	return nil
}

// Match resolves method and path. It never panics and always returns one of
// Found, MethodNotAllowed or NotFound.
func (t *Table) Match(method, path string) Match {
	method = strings.ToUpper(method)
	p := NormalizePath(path)

	if n, ok := t.static[p]; ok {
		if hs := n.lookup(method); len(hs) > 0 {
			return Match{Status: Found, Handlers: hs, Params: map[string]string{}, Pattern: n.pattern}
		}
	}

	m := &matcher{method: method, segs: splitPath(p)}
	if res, ok := m.walk(t.root, 0); ok {
		return res
	}
	if m.fallback != nil {
		return Match{
			Status:  MethodNotAllowed,
			Allowed: m.fallback.allowed(),
			Params:  map[string]string{},
			Pattern: m.fallback.pattern,
		}
	}
	return Match{Status: NotFound, Params: map[string]string{}}
}

// matcher holds the state of one backtracking traversal. Bound parameters
// are kept as a stack so that abandoned branches can be unwound.
type matcher struct {
	method   string
	segs     []string
	keys     []string
	vals     []string
	fallback *node
}

func (m *matcher) bind(key, val string) int {
	mark := len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
	return mark
}

func (m *matcher) unwind(mark int) {
	m.keys = m.keys[:mark]
	m.vals = m.vals[:mark]
}

func (m *matcher) found(n *node, hs []handlers.Handler) Match {
	params := make(map[string]string, len(m.keys))
	for i, k := range m.keys {
		params[k] = m.vals[i]
	}
	return Match{Status: Found, Handlers: hs, Params: params, Pattern: n.pattern}
}

// accept checks an endpoint for the request method. A structural match
// without a handler for the method is remembered for the 405 response.
func (m *matcher) accept(n *node) (Match, bool) {
	if !n.endpoint {
		return Match{}, false
	}
	if hs := n.lookup(m.method); len(hs) > 0 {
		return m.found(n, hs), true
	}
	if m.fallback == nil {
		m.fallback = n
	}
	return Match{}, false
}

func (m *matcher) walk(n *node, i int) (Match, bool) {
	if i == len(m.segs) {
		if res, ok := m.accept(n); ok {
			return res, true
		}
		// an optional parameter may match zero segments
		if p := n.param; p != nil && p.optional {
			mark := m.bind(p.paramName, "")
			if res, ok := m.accept(p); ok {
				return res, true
			}
			m.unwind(mark)
		}
		return Match{}, false
	}

	seg := m.segs[i]

	if child, ok := n.static[seg]; ok {
		if res, ok := m.walk(child, i+1); ok {
			return res, true
		}
	}

	if p := n.param; p != nil {
		mark := m.bind(p.paramName, seg)
		if res, ok := m.walk(p, i+1); ok {
			return res, true
		}
		m.unwind(mark)
	}

	if w := n.wildcard; w != nil {
		rest := strings.Join(m.segs[i:], "/")
		mark := m.bind(WildcardKey, rest)
		if w.wildcardName != WildcardKey {
			m.bind(w.wildcardName, rest)
		}
		if res, ok := m.accept(w); ok {
			return res, true
		}
		m.unwind(mark)
	}

	return Match{}, false
}

// Routes lists every endpoint sorted by pattern
func (t *Table) Routes() []RouteInfo {
	var out []RouteInfo
	var visit func(n *node)
	visit = func(n *node) {
		if n.endpoint {
			methods := n.allowed()
			if len(n.handlers[""]) > 0 {
				methods = append(methods, "*")
			}
			out = append(out, RouteInfo{Pattern: n.pattern, Methods: methods})
		}
		keys := make([]string, 0, len(n.static))
		for k := range n.static {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			visit(n.static[k])
		}
		if n.param != nil {
			visit(n.param)
		}
		if n.wildcard != nil {
			visit(n.wildcard)
		}
	}
	visit(t.root)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}
