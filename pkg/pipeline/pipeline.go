// Package pipeline models the include-scope filter chain that runs around
// every nested component render of a request.
//
// A page handler renders its parts through an Includer:
//
//	includer := pipeline.NewIncluder(dispatcher.StartFilter(), dispatcher.StopFilter())
//
//	func page(w http.ResponseWriter, r *http.Request) {
//	    includer.Include(w, r, "header", headerHandler)
//	    includer.Include(w, r, "body", bodyHandler)
//	    includer.Include(w, r, "footer", footerHandler)
//	}
//
// Each Include names the component in the request context, then passes the
// request through the filters in order before the component handler runs.
package pipeline

import (
	"net/http"

	"github.com/itsneelabh/renderapm/pkg/attributes"
	"github.com/itsneelabh/renderapm/pkg/component"
)

// Filter intercepts a request on its way to the next stage.
// A filter must call next exactly once unless it deliberately ends the request.
type Filter interface {
	DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// FilterFunc adapts a function to Filter
type FilterFunc func(w http.ResponseWriter, r *http.Request, next http.Handler)

// DoFilter calls f(w, r, next)
func (f FilterFunc) DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler) {
	f(w, r, next)
}

// Chain is an ordered list of filters
type Chain struct {
	filters []Filter
}

// NewChain creates a chain running filters in the given order. Nil filters are dropped.
func NewChain(filters ...Filter) *Chain {
	c := &Chain{filters: make([]Filter, 0, len(filters))}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

// Len returns the number of filters
func (c *Chain) Len() int {
	return len(c.filters)
}

// Then returns a handler that runs the chain and finally h
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	for i := len(c.filters) - 1; i >= 0; i-- {
		h = wrap(c.filters[i], h)
	}
	return h
}

// Middleware exposes the chain as standard HTTP middleware
func (c *Chain) Middleware() func(http.Handler) http.Handler {
	return c.Then
}

func wrap(f Filter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.DoFilter(w, r, next)
	})
}

// Includer renders nested components through an include-scope chain
type Includer struct {
	chain *Chain
}

// NewIncluder creates an includer running filters around every include
func NewIncluder(filters ...Filter) *Includer {
	return &Includer{chain: NewChain(filters...)}
}

// Include renders h as the component called name
func (i *Includer) Include(w http.ResponseWriter, r *http.Request, name string, h http.Handler) {
	i.IncludeIdentity(w, r, component.Identity{Name: name}, h)
}

// IncludeIdentity renders h as the component id
func (i *Includer) IncludeIdentity(w http.ResponseWriter, r *http.Request, id component.Identity, h http.Handler) {
	r, _ = attributes.Ensure(r)
	r = r.WithContext(component.WithIdentity(r.Context(), id))
	i.chain.Then(h).ServeHTTP(w, r)
}

// Component returns a handler rendering h as the component called name.
// Useful to mount a component directly on a router.
func (i *Includer) Component(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.Include(w, r, name, h)
	})
}
