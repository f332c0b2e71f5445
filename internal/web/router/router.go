package router

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Route represents a single registered route
type Route[T any] struct {
	Method  string // GET, POST, etc.
	Pattern string // /posts/:id
	Handler T

	chiPattern string // /posts/{id}
}

// RouteInfo provides metadata about a route for introspection
type RouteInfo struct {
	Method     string
	Pattern    string
	Parameters []string
}

// Match is the result of a successful lookup
type Match[T any] struct {
	Handler T
	Params  Params
	Pattern string
}

// Router is the route table. Patterns use ":name" for a single segment
// capture and a trailing "*" for a catch-all captured under "*". Matching
// prefers a literal segment, then a parameter, then the wildcard.
type Router[T any] struct {
	mu     sync.RWMutex
	mux    *chi.Mux
	routes map[string]*Route[T]
	shapes map[string]*Route[T] // keyed by method and pattern with names erased

	// For introspection, in registration order
	registeredRoutes []*Route[T]
}

// noop is the handler chi stores; lookups only use the match tree
var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// standardMethods lists the accepted HTTP verbs
var standardMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodConnect: true,
	http.MethodTrace:   true,
}

// NewRouter creates a new Router instance
func NewRouter[T any]() *Router[T] {
	return &Router[T]{
		mux:              chi.NewRouter(),
		routes:           make(map[string]*Route[T]),
		shapes:           make(map[string]*Route[T]),
		registeredRoutes: make([]*Route[T], 0),
	}
}

// Add registers a route. The method must be a standard HTTP verb and the
// (method, pattern) pair must not already be registered.
func (r *Router[T]) Add(method, pattern string, handler T) (*Route[T], error) {
	method = strings.ToUpper(method)
	if !standardMethods[method] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	chiPattern, _, err := translatePattern(pattern)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	shapeKey := method + ":" + patternShape(chiPattern)
	if existing, exists := r.shapes[shapeKey]; exists {
		return nil, fmt.Errorf("%w: %s %s (conflicts with %s)", ErrDuplicateRoute, method, pattern, existing.Pattern)
	}

	if err := r.register(method, chiPattern); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPattern, pattern, err)
	}

	route := &Route[T]{
		Method:     method,
		Pattern:    pattern,
		Handler:    handler,
		chiPattern: chiPattern,
	}
	r.routes[method+":"+chiPattern] = route
	r.shapes[shapeKey] = route
	r.registeredRoutes = append(r.registeredRoutes, route)

	return route, nil
}

// register adds the pattern to chi's tree, turning its panics into errors
func (r *Router[T]) register(method, chiPattern string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	r.mux.Method(method, chiPattern, noop)
	return nil
}

// Find looks up the route for method and path. An unknown method or path
// is reported as not found.
func (r *Router[T]) Find(method, path string) (*Match[T], bool) {
	method = strings.ToUpper(method)
	if !standardMethods[method] {
		return nil, false
	}
	if path == "" {
		path = "/"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, method, path) || len(rctx.RoutePatterns) == 0 {
		return nil, false
	}

	chiPattern := rctx.RoutePatterns[len(rctx.RoutePatterns)-1]
	route, ok := r.routes[method+":"+chiPattern]
	if !ok {
		return nil, false
	}

	params := make(Params, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}

	return &Match[T]{
		Handler: route.Handler,
		Params:  params,
		Pattern: route.Pattern,
	}, true
}

// Routes returns all registered routes for introspection
func (r *Router[T]) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RouteInfo, 0, len(r.registeredRoutes))
	for _, route := range r.registeredRoutes {
		_, names, _ := translatePattern(route.Pattern)
		infos = append(infos, RouteInfo{
			Method:     route.Method,
			Pattern:    route.Pattern,
			Parameters: names,
		})
	}
	return infos
}

// Len returns the number of registered routes
func (r *Router[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registeredRoutes)
}

// translatePattern converts ":name" segments to chi's "{name}" form and
// returns the capture names in order.
func translatePattern(pattern string) (string, []string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return "", nil, fmt.Errorf("%w: %q must begin with '/'", ErrInvalidPattern, pattern)
	}
	if strings.ContainsAny(pattern, "{}") {
		return "", nil, fmt.Errorf("%w: %q contains braces", ErrInvalidPattern, pattern)
	}

	segments := strings.Split(pattern, "/")
	names := make([]string, 0)
	seen := make(map[string]bool)

	for i, segment := range segments {
		switch {
		case segment == "*":
			if i != len(segments)-1 {
				return "", nil, fmt.Errorf("%w: %q wildcard must be the last segment", ErrInvalidPattern, pattern)
			}
			names = append(names, "*")
		case strings.Contains(segment, "*"):
			return "", nil, fmt.Errorf("%w: %q wildcard must be a whole segment", ErrInvalidPattern, pattern)
		case strings.HasPrefix(segment, ":"):
			name := segment[1:]
			if !validParamName(name) {
				return "", nil, fmt.Errorf("%w: %q has invalid parameter %q", ErrInvalidPattern, pattern, segment)
			}
			if seen[name] {
				return "", nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, pattern, name)
			}
			seen[name] = true
			names = append(names, name)
			segments[i] = "{" + name + "}"
		case strings.Contains(segment, ":"):
			return "", nil, fmt.Errorf("%w: %q parameter must be a whole segment", ErrInvalidPattern, pattern)
		}
	}

	return strings.Join(segments, "/"), names, nil
}

// patternShape erases parameter names so "/a/{id}" and "/a/{key}" collide
func patternShape(chiPattern string) string {
	segments := strings.Split(chiPattern, "/")
	for i, segment := range segments {
		if strings.HasPrefix(segment, "{") {
			segments[i] = "{}"
		}
	}
	return strings.Join(segments, "/")
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !(c == '_' || c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
