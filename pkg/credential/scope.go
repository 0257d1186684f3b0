package credential

import "strings"

// Scope is a path-like hierarchical identifier delimiting multi-tenant
// visibility boundaries, e.g. "org:acme/team:eng/service:api". Segments are
// "/"-delimited; each segment is conventionally "key:value" but the core
// treats a segment as an opaque string.
//
// Scope is immutable once attached to a credential record (spec invariant:
// ScopeId never changes after creation).
type Scope struct {
	value string
}

// NewScope wraps a raw scope string. Empty strings are rejected: every
// credential must have an addressable scope, even a single top-level one.
func NewScope(raw string) (Scope, error) {
	if raw == "" {
		return Scope{}, ErrEmptyScope
	}
	return Scope{value: raw}, nil
}

// MustScope is NewScope for call sites (tests, fixtures) that already know
// the input is well-formed.
func MustScope(raw string) Scope {
	s, err := NewScope(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the raw scope path.
func (s Scope) String() string { return s.value }

// Equal reports whether two scopes denote the same node in the hierarchy.
func (s Scope) Equal(other Scope) bool { return s.value == other.value }

// IsDescendantOf reports whether s is equal to ancestor or nested under it.
// "org:acme/team:eng" is a descendant of "org:acme"; it is not a descendant
// of "org:acme/team:sales".
func (s Scope) IsDescendantOf(ancestor Scope) bool {
	if s.Equal(ancestor) {
		return true
	}
	return strings.HasPrefix(s.value, ancestor.value+"/")
}

// ErrEmptyScope is returned by NewScope for an empty input.
var ErrEmptyScope = scopeError("scope identifier must not be empty")

type scopeError string

func (e scopeError) Error() string { return string(e) }
