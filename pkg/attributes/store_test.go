package attributes

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetPop(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("k", "outer")
	s.Set("k", "inner")
	assert.Equal(t, 2, s.Depth("k"))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "inner", v)

	v, ok = s.Pop("k")
	require.True(t, ok)
	assert.Equal(t, "inner", v)

	v, ok = s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "outer", v)

	v, ok = s.Pop("k")
	require.True(t, ok)
	assert.Equal(t, "outer", v)

	_, ok = s.Pop("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStoreKeysAndDelete(t *testing.T) {
	s := NewStore()
	s.Set("b", 1)
	s.Set("a", 2)
	s.Set("a", 3)

	assert.Equal(t, []string{"a", "b"}, s.Keys())

	s.Delete("a")
	assert.Equal(t, []string{"b"}, s.Keys())
	assert.Equal(t, 1, s.Len())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				s.Set("k", n)
				s.Pop("k")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, s.Depth("k"))
}

func TestMiddlewareInstallsOneStorePerRequest(t *testing.T) {
	var stores []*Store
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := FromRequest(r)
		require.True(t, ok)
		stores = append(stores, s)

		// Nested code in the same request sees the same store
		r2, s2 := Ensure(r)
		assert.Same(t, r, r2)
		assert.Same(t, s, s2)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	require.Len(t, stores, 2)
	assert.NotSame(t, stores[0], stores[1])
}

func TestEnsureWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := FromRequest(r)
	assert.False(t, ok)

	r2, s := Ensure(r)
	assert.NotSame(t, r, r2)
	got, ok := FromRequest(r2)
	require.True(t, ok)
	assert.Same(t, s, got)
}
