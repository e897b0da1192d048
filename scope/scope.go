// Package scope defines the fixed catalogue of OAuth permission scopes
// understood by the authorization server.
package scope

import (
	"fmt"
	"strings"
)

// OfflineAccess is the scope that entitles a client to a refresh token.
// It is granted automatically for the authorization-code flow and is not
// part of the requestable catalogue.
const OfflineAccess = "offline_access"

// Scope is a single named permission with a human-readable description
// shown on the consent screen.
type Scope struct {
	Name        string
	Description string
}

// Registry is an immutable set of scopes. Uniqueness of names is validated
// once at construction; lookups afterwards are read-only and safe for
// concurrent use.
type Registry struct {
	scopes map[string]Scope
	order  []string
}

// NewRegistry builds a registry from the given scopes. It returns an error
// if two scopes share a name or a scope has an empty name.
func NewRegistry(scopes ...Scope) (*Registry, error) {
	r := &Registry{scopes: make(map[string]Scope, len(scopes))}
	for _, sc := range scopes {
		if sc.Name == "" {
			return nil, fmt.Errorf("scope name cannot be empty")
		}
		if _, dup := r.scopes[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate scope name %q", sc.Name)
		}
		r.scopes[sc.Name] = sc
		r.order = append(r.order, sc.Name)
	}
	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on error. Intended for
// package-level registry construction where a duplicate is a programming
// mistake caught at start-up.
func MustNewRegistry(scopes ...Scope) *Registry {
	r, err := NewRegistry(scopes...)
	if err != nil {
		panic(err)
	}
	return r
}

// Contains reports whether name is a registered scope.
func (r *Registry) Contains(name string) bool {
	_, ok := r.scopes[name]
	return ok
}

// Get returns the scope with the given name.
func (r *Registry) Get(name string) (Scope, bool) {
	sc, ok := r.scopes[name]
	return sc, ok
}

// All returns the scopes in registration order.
func (r *Registry) All() []Scope {
	out := make([]Scope, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.scopes[name])
	}
	return out
}

// ValidateRequest checks that every space-separated scope in the requested
// scope string is registered. An empty scope string is valid: it means the
// client asked for default permissions only.
func (r *Registry) ValidateRequest(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return nil
	}
	for _, name := range strings.Fields(scope) {
		if !r.Contains(name) {
			return fmt.Errorf("unknown scope: %s", name)
		}
	}
	return nil
}

// Filter returns the subset of the requested scopes that are registered,
// preserving request order and dropping unknown names silently.
func (r *Registry) Filter(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if r.Contains(name) {
			out = append(out, name)
		}
	}
	return out
}

// Default is the built-in scope catalogue.
var Default = MustNewRegistry(
	Scope{Name: "user-read-email", Description: "Permission to know your email address"},
	Scope{Name: "user-read-birthdate", Description: "Permission to know your birthdate"},
	Scope{Name: "user-modify-email", Description: "Permission to change your email address"},
	Scope{Name: "user-modify-birthdate", Description: "Permission to change your birthdate"},
)
