// Package component resolves which component is about to render for a
// request. The dispatcher names spans after the resolved identity.
package component

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/itsneelabh/renderapm/pkg/apm"
)

// Identity names a component
type Identity struct {
	// Name labels spans and correlation keys
	Name string
	// Resource optionally records what the component renders (template, route path)
	Resource string
}

// IsZero reports whether the identity names nothing
func (i Identity) IsZero() bool {
	return i.Name == ""
}

// Resolver finds the component about to render for a request.
// A resolver that finds nothing returns an error wrapping apm.ErrNoComponent.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(r *http.Request) (Identity, error)

// Resolve calls f(r)
func (f ResolverFunc) Resolve(r *http.Request) (Identity, error) {
	return f(r)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx naming the component rendering in it.
// Nested calls shadow outer identities.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the innermost component identity in ctx
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && !id.IsZero()
}

// ContextResolver resolves the identity attached by WithIdentity, which is
// what pipeline.Includer does for every nested render.
type ContextResolver struct{}

// Resolve implements Resolver
func (ContextResolver) Resolve(r *http.Request) (Identity, error) {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return id, nil
	}
	return Identity{}, errNoComponent("context")
}

// MuxRouteResolver names the component after the gorilla/mux route that
// matched the request: the route name when set, otherwise its path template.
type MuxRouteResolver struct{}

// Resolve implements Resolver
func (MuxRouteResolver) Resolve(r *http.Request) (Identity, error) {
	route := mux.CurrentRoute(r)
	if route == nil {
		return Identity{}, errNoComponent("mux")
	}

	tpl, tplErr := route.GetPathTemplate()
	if name := route.GetName(); name != "" {
		return Identity{Name: name, Resource: tpl}, nil
	}
	if tplErr != nil {
		return Identity{}, &apm.Error{
			Op:   "component.resolve.mux",
			Kind: apm.KindResolution,
			Err:  fmt.Errorf("%w: %w", apm.ErrComponentResolution, tplErr),
		}
	}
	return Identity{Name: tpl, Resource: tpl}, nil
}

// ChainResolver tries resolvers in order and returns the first identity found.
// Errors other than "no component" stop the chain.
type ChainResolver []Resolver

// Resolve implements Resolver
func (c ChainResolver) Resolve(r *http.Request) (Identity, error) {
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		id, err := resolver.Resolve(r)
		if err == nil && !id.IsZero() {
			return id, nil
		}
		if err != nil && !errors.Is(err, apm.ErrNoComponent) {
			return Identity{}, err
		}
	}
	return Identity{}, errNoComponent("chain")
}

// Default resolves from the include context first and falls back to the mux route
func Default() Resolver {
	return ChainResolver{ContextResolver{}, MuxRouteResolver{}}
}

func errNoComponent(source string) error {
	return &apm.Error{
		Op:   "component.resolve." + source,
		Kind: apm.KindResolution,
		Err:  apm.ErrNoComponent,
	}
}
