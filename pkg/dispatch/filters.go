package dispatch

import (
	"context"
	"net/http"

	"github.com/itsneelabh/renderapm/pkg/attributes"
	"github.com/itsneelabh/renderapm/pkg/pipeline"
)

// StartFilter opens component spans before the next stage runs
type StartFilter struct {
	d *Dispatcher
}

// StopFilter closes component spans after the next stage has run
type StopFilter struct {
	d *Dispatcher
}

// unresolvedKey marks a render whose start found no component to time
type unresolvedKey struct{}

var (
	_ pipeline.Filter = (*StartFilter)(nil)
	_ pipeline.Filter = (*StopFilter)(nil)
)

// StartFilter returns the include-scope filter that starts spans
func (d *Dispatcher) StartFilter() *StartFilter {
	return &StartFilter{d: d}
}

// StopFilter returns the include-scope filter that stops spans
func (d *Dispatcher) StopFilter() *StopFilter {
	return &StopFilter{d: d}
}

// Filters returns the start and stop filters in the order they must run
func (d *Dispatcher) Filters() []pipeline.Filter {
	return []pipeline.Filter{d.StartFilter(), d.StopFilter()}
}

// Middleware wraps a component handler with both filters
func (d *Dispatcher) Middleware() func(http.Handler) http.Handler {
	return pipeline.NewChain(d.Filters()...).Middleware()
}

// DoFilter starts spans for the component in r, then always runs next once
func (f *StartFilter) DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if f.d.inactive() {
		f.d.dispatches.Add(1)
		f.d.fastPath.Add(1)
		next.ServeHTTP(w, r)
		return
	}

	r, _ = attributes.Ensure(r)
	defer func() { next.ServeHTTP(w, r) }()

	res := f.d.OnComponentStart(r)
	// Nested includes inherit the parent's mark, so it is overwritten when it differs
	unresolved := res.Component == ""
	if marked, _ := r.Context().Value(unresolvedKey{}).(bool); marked != unresolved {
		r = r.WithContext(context.WithValue(r.Context(), unresolvedKey{}, unresolved))
	}
}

// DoFilter runs next, then stops the spans started for the component in r.
// Spans are closed even when the component panics; the panic is not swallowed.
func (f *StopFilter) DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler) {
	// Without a store no span can have been started for this render
	if _, ok := attributes.FromRequest(r); !ok {
		next.ServeHTTP(w, r)
		return
	}
	// No component was resolved on start, so nothing was started
	if unresolved, _ := r.Context().Value(unresolvedKey{}).(bool); unresolved {
		f.d.dispatches.Add(1)
		f.d.fastPath.Add(1)
		next.ServeHTTP(w, r)
		return
	}
	defer func() {
		_ = f.d.OnComponentStop(r)
	}()
	next.ServeHTTP(w, r)
}
