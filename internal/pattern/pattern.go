// Package pattern matches request keys against grant/rejection patterns.
//
// Two dialects share one entry point. HTTP patterns are "METHOD path" where a
// path segment "*" matches exactly one segment and a bare "*" path matches
// anything. GraphQL patterns are "GRAPHQL <query|mutation> <field-expr|*>"
// where argument values may use the $ANY wildcard. Patterns are stored as
// strings; compiled HTTP path globs are interned here, GraphQL field
// expressions are parsed on each match, and the string stays the canonical,
// persisted representation.
package pattern

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Matches reports whether pattern matches the request key. Pattern parse
// problems (malformed pattern, unknown variable) are returned as errors so
// the caller can surface a diagnostic; an erroring pattern never matches.
func Matches(pattern, key string) (bool, error) {
	if pattern == key {
		return true, nil
	}

	pMethod, pRest, ok := strings.Cut(pattern, " ")
	if !ok {
		return false, fmt.Errorf("malformed pattern %q: want \"METHOD rest\"", pattern)
	}
	kMethod, kRest, ok := strings.Cut(key, " ")
	if !ok {
		return false, fmt.Errorf("malformed request key %q", key)
	}

	if pMethod == methodGraphQL {
		if kMethod != methodGraphQL {
			return false, nil
		}
		return matchGraphQL(pRest, kRest)
	}
	if kMethod != pMethod {
		return false, nil
	}
	return matchHTTPPath(pRest, kRest)
}

const methodGraphQL = "GRAPHQL"

// matchHTTPPath matches a path glob against a concrete path. The query
// string is stripped from the concrete path defensively; request keys are
// built without one.
func matchHTTPPath(pathGlob, path string) (bool, error) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if pathGlob == "*" {
		return true, nil
	}
	g, err := compiledPathGlob(pathGlob)
	if err != nil {
		return false, err
	}
	return g.Match(path), nil
}

var pathGlobs sync.Map // pattern path -> glob.Glob

func compiledPathGlob(pathGlob string) (glob.Glob, error) {
	if g, ok := pathGlobs.Load(pathGlob); ok {
		return g.(glob.Glob), nil
	}
	segments := strings.Split(pathGlob, "/")
	for i, seg := range segments {
		if seg != "*" {
			segments[i] = glob.QuoteMeta(seg)
		}
	}
	g, err := glob.Compile(strings.Join(segments, "/"), '/')
	if err != nil {
		return nil, fmt.Errorf("compile path pattern %q: %w", pathGlob, err)
	}
	pathGlobs.Store(pathGlob, g)
	return g, nil
}
