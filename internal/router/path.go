package router

import (
	"strings"
)

// NormalizePath strips the query string and fragment, collapses duplicate
// slashes and removes trailing slashes except for the root. It is idempotent.
// It applies to request paths only; patterns go through normalizePattern.
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return normalizePattern(p)
}

// normalizePattern collapses duplicate slashes and trims trailing slashes.
// A '?' is part of the pattern syntax here ([name?]), not a query string.
func normalizePattern(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// splitPath returns the segments of a normalized path. The root has none.
func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

type segmentKind int

const (
	segmentStatic segmentKind = iota
	segmentParam
	segmentOptional
	segmentWildcard
)

// WildcardKey is the parameter key bound to the remainder matched by a wildcard
const WildcardKey = "*"

// parseSegment classifies a pattern segment. Malformed bracket syntax is
// treated as a literal.
func parseSegment(seg string) (segmentKind, string) {
	if seg == "*" {
		return segmentWildcard, WildcardKey
	}
	if len(seg) < 3 || seg[0] != '[' || seg[len(seg)-1] != ']' {
		return segmentStatic, seg
	}

	inner := seg[1 : len(seg)-1]
	switch {
	case strings.HasPrefix(inner, "..."):
		name := inner[3:]
		if !validParamName(name) {
			return segmentStatic, seg
		}
		return segmentWildcard, name
	case strings.HasSuffix(inner, "?"):
		name := inner[:len(inner)-1]
		if !validParamName(name) {
			return segmentStatic, seg
		}
		return segmentOptional, name
	default:
		if !validParamName(inner) {
			return segmentStatic, seg
		}
		return segmentParam, inner
	}
}

func validParamName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "[]/?*")
}

// isDynamic reports whether a pattern segment binds anything
func isDynamic(seg string) bool {
	kind, _ := parseSegment(seg)
	return kind != segmentStatic
}
