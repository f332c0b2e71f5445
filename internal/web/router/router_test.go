package router

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRouter(t *testing.T) {
	router := NewRouter[string]()
	assert.NotNil(t, router)
	assert.NotNil(t, router.mux)
	assert.Equal(t, 0, router.Len())
}

func TestRouter_AddAndFind(t *testing.T) {
	router := NewRouter[string]()
	_, err := router.Add(http.MethodGet, "/users/:id", "show")
	require.NoError(t, err)
	_, err = router.Add(http.MethodPost, "/users", "create")
	require.NoError(t, err)

	match, ok := router.Find(http.MethodGet, "/users/42")
	require.True(t, ok)
	assert.Equal(t, "show", match.Handler)
	assert.Equal(t, "/users/:id", match.Pattern)
	assert.Equal(t, Params{"id": "42"}, match.Params)

	match, ok = router.Find("post", "/users")
	require.True(t, ok)
	assert.Equal(t, "create", match.Handler)
	assert.Empty(t, match.Params)
}

func TestRouter_Precedence(t *testing.T) {
	router := NewRouter[string]()
	// Registration order must not matter
	for _, route := range []struct{ pattern, name string }{
		{"/files/*", "wildcard"},
		{"/files/:name", "param"},
		{"/files/readme", "static"},
	} {
		_, err := router.Add(http.MethodGet, route.pattern, route.name)
		require.NoError(t, err)
	}

	tests := []struct {
		path   string
		want   string
		params Params
	}{
		{"/files/readme", "static", Params{}},
		{"/files/notes", "param", Params{"name": "notes"}},
		{"/files/a/b/c", "wildcard", Params{"*": "a/b/c"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			match, ok := router.Find(http.MethodGet, tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, match.Handler)
			assert.Equal(t, tt.params, match.Params)
		})
	}
}

func TestRouter_MultipleParams(t *testing.T) {
	router := NewRouter[int]()
	_, err := router.Add(http.MethodGet, "/orgs/:org/repos/:repo", 1)
	require.NoError(t, err)

	match, ok := router.Find(http.MethodGet, "/orgs/relay/repos/core")
	require.True(t, ok)
	assert.Equal(t, "relay", match.Params.Get("org"))
	assert.Equal(t, "core", match.Params.Get("repo"))
}

func TestRouter_NotFound(t *testing.T) {
	router := NewRouter[string]()
	_, err := router.Add(http.MethodGet, "/users", "list")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"unknown path", http.MethodGet, "/missing"},
		{"method mismatch", http.MethodDelete, "/users"},
		{"non-standard method", "BREW", "/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, ok := router.Find(tt.method, tt.path)
			assert.False(t, ok)
			assert.Nil(t, match)
		})
	}
}

func TestRouter_AddErrors(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		pattern string
		wantErr error
	}{
		{"non-standard method", "BREW", "/coffee", ErrInvalidMethod},
		{"missing slash", http.MethodGet, "users", ErrInvalidPattern},
		{"empty param", http.MethodGet, "/users/:", ErrInvalidPattern},
		{"wildcard not last", http.MethodGet, "/files/*/meta", ErrInvalidPattern},
		{"partial wildcard", http.MethodGet, "/files/a*", ErrInvalidPattern},
		{"repeated param", http.MethodGet, "/a/:id/b/:id", ErrInvalidPattern},
		{"braces", http.MethodGet, "/a/{id}", ErrInvalidPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter[string]()
			_, err := router.Add(tt.method, tt.pattern, "h")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, router.Len())
		})
	}
}

func TestRouter_DuplicateRoute(t *testing.T) {
	router := NewRouter[string]()
	_, err := router.Add(http.MethodGet, "/users/:id", "first")
	require.NoError(t, err)

	_, err = router.Add(http.MethodGet, "/users/:id", "second")
	assert.ErrorIs(t, err, ErrDuplicateRoute)

	_, err = router.Add(http.MethodGet, "/users/:key", "renamed")
	assert.ErrorIs(t, err, ErrDuplicateRoute)

	_, err = router.Add(http.MethodPut, "/users/:id", "other method")
	assert.NoError(t, err)

	match, ok := router.Find(http.MethodGet, "/users/1")
	require.True(t, ok)
	assert.Equal(t, "first", match.Handler)
}

func TestRouter_Routes(t *testing.T) {
	router := NewRouter[string]()
	_, err := router.Add(http.MethodGet, "/a/:id/files/*", "h")
	require.NoError(t, err)
	_, err = router.Add(http.MethodPost, "/b", "h")
	require.NoError(t, err)

	routes := router.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, RouteInfo{Method: "GET", Pattern: "/a/:id/files/*", Parameters: []string{"id", "*"}}, routes[0])
	assert.Equal(t, RouteInfo{Method: "POST", Pattern: "/b", Parameters: []string{}}, routes[1])
}

func TestParams_Conversions(t *testing.T) {
	id := uuid.New()
	params := Params{"id": id.String(), "n": "42", "bad": "x", "*": "rest/of/path"}

	got, err := params.UUID("id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	n, err := params.Int("n")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n64, err := params.Int64("n")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n64)

	_, err = params.Int("bad")
	assert.Error(t, err)
	_, err = params.UUID("bad")
	assert.Error(t, err)
	_, err = params.Int64("missing")
	assert.Error(t, err)

	assert.Equal(t, "rest/of/path", params.Wildcard())
}
