package component

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := ContextResolver{}.Resolve(r)
	assert.ErrorIs(t, err, apm.ErrNoComponent)

	ctx := WithIdentity(r.Context(), Identity{Name: "page"})
	ctx = WithIdentity(ctx, Identity{Name: "header", Resource: "header.tmpl"})

	id, err := ContextResolver{}.Resolve(r.WithContext(ctx))
	require.NoError(t, err)
	assert.Equal(t, Identity{Name: "header", Resource: "header.tmpl"}, id)
}

func TestIdentityFromContextIgnoresZero(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := IdentityFromContext(WithIdentity(r.Context(), Identity{}))
	assert.False(t, ok)
}

func TestMuxRouteResolver(t *testing.T) {
	tests := []struct {
		name     string
		register func(router *mux.Router, h http.HandlerFunc)
		path     string
		want     Identity
	}{
		{
			name: "named route",
			register: func(router *mux.Router, h http.HandlerFunc) {
				router.HandleFunc("/pages/{page}", h).Name("page")
			},
			path: "/pages/home",
			want: Identity{Name: "page", Resource: "/pages/{page}"},
		},
		{
			name: "unnamed route falls back to template",
			register: func(router *mux.Router, h http.HandlerFunc) {
				router.HandleFunc("/items/{id}", h)
			},
			path: "/items/7",
			want: Identity{Name: "/items/{id}", Resource: "/items/{id}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got Identity
				err error
			)
			router := mux.NewRouter()
			tt.register(router, func(w http.ResponseWriter, r *http.Request) {
				got, err = MuxRouteResolver{}.Resolve(r)
			})

			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMuxRouteResolverOutsideRouter(t *testing.T) {
	_, err := MuxRouteResolver{}.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, apm.ErrNoComponent)
}

func TestChainResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	boom := errors.New("boom")

	none := ResolverFunc(func(*http.Request) (Identity, error) { return Identity{}, errNoComponent("test") })
	failing := ResolverFunc(func(*http.Request) (Identity, error) { return Identity{}, boom })
	found := ResolverFunc(func(*http.Request) (Identity, error) { return Identity{Name: "footer"}, nil })

	id, err := ChainResolver{nil, none, found}.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "footer", id.Name)

	_, err = ChainResolver{none, failing, found}.Resolve(r)
	assert.ErrorIs(t, err, boom)

	_, err = ChainResolver{none}.Resolve(r)
	assert.ErrorIs(t, err, apm.ErrNoComponent)
}

func TestDefaultPrefersIncludeContext(t *testing.T) {
	var got Identity
	router := mux.NewRouter()
	router.HandleFunc("/pages/{page}", func(w http.ResponseWriter, r *http.Request) {
		got, _ = Default().Resolve(r)
		r = r.WithContext(WithIdentity(r.Context(), Identity{Name: "header"}))
		inner, _ := Default().Resolve(r)
		assert.Equal(t, "header", inner.Name)
	}).Name("page")

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pages/home", nil))
	assert.Equal(t, "page", got.Name)
}
