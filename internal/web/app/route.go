package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// Handler serves a matched request. A non-nil payload is sent when the
// handler has not sent the reply itself; a nil payload sends an empty body.
type Handler func(req *request.Request, reply *response.Reply) (interface{}, error)

// ErrorHandler handles an error raised by a hook or handler. It follows
// the Handler contract; returning an error falls back to the default
// error reply for that error.
type ErrorHandler func(err error, req *request.Request, reply *response.Reply) (interface{}, error)

// RouteSchema holds the schemas applied to a route. Response schemas are
// keyed by status code ("200"), status class ("2xx") or "default".
type RouteSchema struct {
	Body        serializer.Schema
	Querystring serializer.Schema
	Params      serializer.Schema
	Headers     serializer.Schema
	Response    map[string]serializer.Schema
}

// RouteOptions is the full declaration of a route
type RouteOptions struct {
	Method  string
	URL     string
	Handler Handler
	Schema  RouteSchema
	// Hooks run before the scope's hooks of the same stage
	Hooks map[hooks.Stage][]hooks.Hook
	// BodyLimit overrides the application body limit for this route
	BodyLimit int64
	// Timeout overrides the application request timeout for this route
	Timeout time.Duration
}

// RouteOption customizes a route declared with the shorthand methods
type RouteOption func(*RouteOptions)

// WithSchema sets the route schemas
func WithSchema(schema RouteSchema) RouteOption {
	return func(o *RouteOptions) {
		o.Schema = schema
	}
}

// WithResponseSchema sets the response schema for a status key
func WithResponseSchema(status string, schema serializer.Schema) RouteOption {
	return func(o *RouteOptions) {
		if o.Schema.Response == nil {
			o.Schema.Response = make(map[string]serializer.Schema)
		}
		o.Schema.Response[status] = schema
	}
}

// WithHook adds a route-level hook
func WithHook(stage hooks.Stage, hook hooks.Hook) RouteOption {
	return func(o *RouteOptions) {
		if o.Hooks == nil {
			o.Hooks = make(map[hooks.Stage][]hooks.Hook)
		}
		o.Hooks[stage] = append(o.Hooks[stage], hook)
	}
}

// WithRouteBodyLimit overrides the body limit for the route
func WithRouteBodyLimit(limit int64) RouteOption {
	return func(o *RouteOptions) {
		o.BodyLimit = limit
	}
}

// WithTimeout overrides the request timeout for the route
func WithTimeout(timeout time.Duration) RouteOption {
	return func(o *RouteOptions) {
		o.Timeout = timeout
	}
}

// route is a registered route bound to the scope that declared it
type route struct {
	method  string
	pattern string
	handler Handler
	scope   *node
	schema  RouteSchema
	hooks   map[hooks.Stage][]hooks.Hook

	// encoders holds the response encoders compiled at startup, keyed like
	// schema.Response
	encoders map[string]serializer.Encoder

	bodyLimit int64
	timeout   time.Duration
}

// routeHooks returns the route-level hooks for a stage
func (r *route) routeHooks(stage hooks.Stage) []hooks.Hook {
	if r == nil {
		return nil
	}
	return r.hooks[stage]
}

// responseKey selects the response schema key for a status code: exact
// code, then status class, then "default".
func (r *route) responseKey(status int) (string, bool) {
	if r == nil || len(r.schema.Response) == 0 {
		return "", false
	}
	code := strconv.Itoa(status)
	for _, key := range []string{code, code[:1] + "xx", "default"} {
		if _, ok := r.schema.Response[key]; ok {
			return key, true
		}
	}
	return "", false
}

// responseSchema returns the schema for a status code, or nil
func (r *route) responseSchema(status int) serializer.Schema {
	key, ok := r.responseKey(status)
	if !ok {
		return nil
	}
	return r.schema.Response[key]
}

// responseEncoder returns the precompiled encoder for a status code
func (r *route) responseEncoder(status int) (serializer.Encoder, bool) {
	key, ok := r.responseKey(status)
	if !ok {
		return nil, false
	}
	encoder, ok := r.encoders[key]
	return encoder, ok
}

// validateRouteOptions checks a declaration before it reaches the router
func validateRouteOptions(opts RouteOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("route %s %s: handler cannot be nil", opts.Method, opts.URL)
	}
	if opts.BodyLimit < 0 {
		return fmt.Errorf("route %s %s: body limit cannot be negative", opts.Method, opts.URL)
	}
	if opts.Timeout < 0 {
		return fmt.Errorf("route %s %s: timeout cannot be negative", opts.Method, opts.URL)
	}
	for key := range opts.Schema.Response {
		if !validStatusKey(key) {
			return fmt.Errorf("route %s %s: invalid response schema key %q", opts.Method, opts.URL, key)
		}
	}
	for stage, list := range opts.Hooks {
		for _, hook := range list {
			if err := hooks.Validate(stage, hook); err != nil {
				return fmt.Errorf("route %s %s: %w", opts.Method, opts.URL, err)
			}
		}
	}
	return nil
}

func validStatusKey(key string) bool {
	if key == "default" {
		return true
	}
	if len(key) != 3 || key[0] < '1' || key[0] > '5' {
		return false
	}
	if strings.ToLower(key[1:]) == "xx" {
		return true
	}
	code, err := strconv.Atoi(key)
	return err == nil && code >= 100 && code <= 599
}

// joinPath prefixes a route path. A bare "/" under a prefix is the prefix
// itself.
func joinPath(prefix, path string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return path
	}
	if path == "/" || path == "" {
		return prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
