// Package envelope implements the brypt message envelope: building, packing,
// unpacking, and authenticating request/response parcels routed through the
// cluster.
package envelope

import (
	"errors"
	"strings"
)

// ErrRouteInvalid is returned when a route string fails the grammar
// ('/' [A-Za-z0-9]+)+ (trailing slash tolerated).
var ErrRouteInvalid = errors.New("envelope: invalid route")

// Route is an ordered, non-empty sequence of alphanumeric path components.
type Route struct {
	components []string
}

// ParseRoute parses a route path. A trailing slash is tolerated and dropped.
func ParseRoute(s string) (Route, error) {
	if s == "" || s[0] != '/' {
		return Route{}, ErrRouteInvalid
	}
	trimmed := strings.TrimSuffix(s, "/")
	if trimmed == "" {
		return Route{}, ErrRouteInvalid
	}
	parts := strings.Split(trimmed, "/")[1:]
	if len(parts) == 0 {
		return Route{}, ErrRouteInvalid
	}
	for _, p := range parts {
		if p == "" || !isAlphanumeric(p) {
			return Route{}, ErrRouteInvalid
		}
	}
	return Route{components: parts}, nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// String reconstructs the canonical ('/'-joined, no trailing slash) form.
func (r Route) String() string {
	if len(r.components) == 0 {
		return ""
	}
	return "/" + strings.Join(r.components, "/")
}

// Components returns the ordered path components. The returned slice must
// not be mutated by the caller.
func (r Route) Components() []string { return r.components }

// Root returns the first component, or "" for a zero-value Route.
func (r Route) Root() string {
	if len(r.components) == 0 {
		return ""
	}
	return r.components[0]
}

// Tail returns the last component, or "" for a zero-value Route.
func (r Route) Tail() string {
	if len(r.components) == 0 {
		return ""
	}
	return r.components[len(r.components)-1]
}

// Parent returns the penultimate component, or "" if the route has a single
// component (or is a zero-value Route).
func (r Route) Parent() string {
	if len(r.components) < 2 {
		return ""
	}
	return r.components[len(r.components)-2]
}

// Valid reports whether the route was produced by a successful ParseRoute.
func (r Route) Valid() bool { return len(r.components) > 0 }
