// Package attributes provides the per-request attribute bag used to hand
// span handles from the start of a component render to its end.
//
// A Store belongs to exactly one request. Middleware installs it in the
// request context; everything downstream in the same request, including
// nested component includes, sees the same Store.
package attributes

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

type contextKey struct{}

// Store is a per-request key/value bag.
//
// Set on a key that already holds a value shadows it instead of discarding
// it; Pop removes the newest value and makes the shadowed one visible again.
// Nested renders of the same component under the same key therefore never
// lose the outer value.
type Store struct {
	mu     sync.Mutex
	values map[string][]any
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{values: make(map[string][]any)}
}

// Set stores value under key, shadowing any existing value
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append(s.values[key], value)
}

// Get returns the newest value stored under key
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.values[key]
	if len(stack) == 0 {
		return nil, false
	}
	return stack[len(stack)-1], true
}

// Pop removes and returns the newest value stored under key
func (s *Store) Pop(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.values[key]
	if len(stack) == 0 {
		return nil, false
	}
	value := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(s.values, key)
	} else {
		stack[len(stack)-1] = nil
		s.values[key] = stack[:len(stack)-1]
	}
	return value, true
}

// Delete removes every value stored under key
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Depth returns how many values are stacked under key
func (s *Store) Depth(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values[key])
}

// Keys returns the keys currently holding a value, sorted
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys holding a value
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// NewContext returns a copy of ctx carrying s
func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the store carried by ctx, if any
func FromContext(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(contextKey{}).(*Store)
	return s, ok && s != nil
}

// FromRequest returns the store of r, if one was installed
func FromRequest(r *http.Request) (*Store, bool) {
	return FromContext(r.Context())
}

// Ensure returns r's store, installing a fresh one when r has none.
// The returned request must be used downstream when it differs from r.
func Ensure(r *http.Request) (*http.Request, *Store) {
	if s, ok := FromRequest(r); ok {
		return r, s
	}
	s := NewStore()
	return r.WithContext(NewContext(r.Context(), s)), s
}

// Middleware gives every request its own store
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = Ensure(r)
		next.ServeHTTP(w, r)
	})
}
