package app

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/decorate"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// node is one encapsulation context. Hooks, decorators and the error
// handler declared on a node apply to it and its descendants only.
type node struct {
	parent     *node
	children   []*node
	name       string
	hooks      *hooks.Manager
	decorators *decorate.Manager

	mu           sync.RWMutex
	errorHandler ErrorHandler

	// effective is the composed hook set, built by Ready
	effective *hooks.Manager
}

func newNode(parent *node, name string, logger *zap.Logger) *node {
	n := &node{
		parent: parent,
		name:   name,
		hooks:  hooks.NewManager(logger),
	}
	if parent == nil {
		n.decorators = decorate.NewManager()
	} else {
		n.decorators = parent.decorators.CreateChild()
		parent.children = append(parent.children, n)
	}
	return n
}

// findErrorHandler returns the nearest error handler up the tree
func (n *node) findErrorHandler() ErrorHandler {
	for current := n; current != nil; current = current.parent {
		current.mu.RLock()
		handler := current.errorHandler
		current.mu.RUnlock()
		if handler != nil {
			return handler
		}
	}
	return nil
}

// walk visits n and every descendant, parents first
func (n *node) walk(visit func(*node) error) error {
	if err := visit(n); err != nil {
		return err
	}
	for _, child := range n.children {
		if err := child.walk(visit); err != nil {
			return err
		}
	}
	return nil
}

// PluginFunc registers routes, hooks and decorators on the scope it is
// given
type PluginFunc func(s *Scope, opts PluginOptions) error

// PluginOptions are passed to a plugin when it is registered
type PluginOptions struct {
	// Prefix is prepended to every route the plugin declares
	Prefix string
	// Config carries plugin-specific settings
	Config map[string]interface{}
}

// Scope is the view of the application a plugin works against
type Scope struct {
	app    *App
	node   *node
	prefix string
}

// App returns the application the scope belongs to
func (s *Scope) App() *App {
	return s.app
}

// Prefix returns the route prefix of the scope
func (s *Scope) Prefix() string {
	return s.prefix
}

// Name returns the name of the plugin that created the scope
func (s *Scope) Name() string {
	return s.node.name
}

// Log returns the application logger
func (s *Scope) Log() *zap.Logger {
	return s.app.log
}

// Get declares a GET route
func (s *Scope) Get(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodGet, path, handler, opts)
}

// Head declares a HEAD route
func (s *Scope) Head(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodHead, path, handler, opts)
}

// Post declares a POST route
func (s *Scope) Post(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodPost, path, handler, opts)
}

// Put declares a PUT route
func (s *Scope) Put(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodPut, path, handler, opts)
}

// Patch declares a PATCH route
func (s *Scope) Patch(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodPatch, path, handler, opts)
}

// Delete declares a DELETE route
func (s *Scope) Delete(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodDelete, path, handler, opts)
}

// Options declares an OPTIONS route
func (s *Scope) Options(path string, handler Handler, opts ...RouteOption) error {
	return s.add(http.MethodOptions, path, handler, opts)
}

func (s *Scope) add(method, path string, handler Handler, options []RouteOption) error {
	opts := RouteOptions{Method: method, URL: path, Handler: handler}
	for _, option := range options {
		option(&opts)
	}
	return s.Route(opts)
}

// Route declares a route from a full declaration
func (s *Scope) Route(opts RouteOptions) error {
	if err := s.app.checkNotStarted("declare route"); err != nil {
		return err
	}
	opts.Method = strings.ToUpper(opts.Method)
	if err := validateRouteOptions(opts); err != nil {
		return err
	}

	rt := &route{
		method:    opts.Method,
		pattern:   joinPath(s.prefix, opts.URL),
		handler:   opts.Handler,
		scope:     s.node,
		schema:    opts.Schema,
		hooks:     opts.Hooks,
		bodyLimit: opts.BodyLimit,
		timeout:   opts.Timeout,
	}

	if _, err := s.app.router.Add(rt.method, rt.pattern, rt); err != nil {
		return err
	}

	s.app.mu.Lock()
	s.app.routes = append(s.app.routes, rt)
	s.app.mu.Unlock()

	s.app.log.Debug("route registered",
		zap.String("method", rt.method),
		zap.String("pattern", rt.pattern),
		zap.String("scope", s.node.name),
	)
	return nil
}

// AddHook adds a request-phase, onResponse or onTimeout hook
func (s *Scope) AddHook(stage hooks.Stage, fn hooks.Func) error {
	return s.addHook(stage, hooks.NewHook(fn))
}

// AddPayloadHook adds a preSerialization or onSend hook
func (s *Scope) AddPayloadHook(stage hooks.Stage, fn hooks.PayloadFunc) error {
	return s.addHook(stage, hooks.NewPayloadHook(fn))
}

// AddErrorHook adds an onError hook
func (s *Scope) AddErrorHook(fn hooks.ErrorFunc) error {
	return s.addHook(hooks.OnError, hooks.NewErrorHook(fn))
}

// AddNamedHook adds a prebuilt hook, typically one carrying a name for
// logging
func (s *Scope) AddNamedHook(stage hooks.Stage, hook hooks.Hook) error {
	return s.addHook(stage, hook)
}

func (s *Scope) addHook(stage hooks.Stage, hook hooks.Hook) error {
	if err := s.app.checkNotStarted("add hook"); err != nil {
		return err
	}
	return s.node.hooks.Add(stage, hook)
}

// HookStats returns the scope's own hook counts per stage
func (s *Scope) HookStats() map[string]int {
	return s.node.hooks.Stats()
}

// DecorateServer declares a server decorator in this scope
func (s *Scope) DecorateServer(name string, value interface{}, dependencies ...string) error {
	return s.node.decorators.DecorateServer(name, value, dependencies...)
}

// DecorateRequest declares a request decorator in this scope
func (s *Scope) DecorateRequest(name string, value interface{}, dependencies ...string) error {
	return s.node.decorators.DecorateRequest(name, value, dependencies...)
}

// DecorateReply declares a reply decorator in this scope
func (s *Scope) DecorateReply(name string, value interface{}, dependencies ...string) error {
	return s.node.decorators.DecorateReply(name, value, dependencies...)
}

// Decoration reads a server decorator visible from this scope
func (s *Scope) Decoration(name string) (interface{}, bool) {
	return s.node.decorators.Get(name)
}

// HasDecorator reports whether a decorator is visible from this scope
func (s *Scope) HasDecorator(ns decorate.Namespace, name string) bool {
	return s.node.decorators.Has(ns, name)
}

// DecoratorStats returns own and inherited decorator counts
func (s *Scope) DecoratorStats() decorate.Stats {
	return s.node.decorators.Stats()
}

// AddContentTypeParser adds a body parser. Parsers are application-wide.
func (s *Scope) AddContentTypeParser(mediaType string, fn request.ParserFunc) error {
	if err := s.app.checkNotStarted("add content type parser"); err != nil {
		return err
	}
	return s.app.parsers.Add(mediaType, fn)
}

// HasContentTypeParser reports whether a parser handles mediaType
func (s *Scope) HasContentTypeParser(mediaType string) bool {
	return s.app.parsers.Has(mediaType)
}

// SetBodyLimit sets the application-wide body limit in bytes
func (s *Scope) SetBodyLimit(limit int64) error {
	return s.app.parsers.SetBodyLimit(limit)
}

// AddSchema adds a shared schema referenced by "$ref": "<name>"
func (s *Scope) AddSchema(name string, schema serializer.Schema) error {
	if err := s.app.checkNotStarted("add schema"); err != nil {
		return err
	}
	return s.app.serializer.AddSchema(name, schema)
}

// SetErrorHandler sets the error handler for this scope and its
// descendants
func (s *Scope) SetErrorHandler(fn ErrorHandler) {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	s.node.errorHandler = fn
}

// Register loads a plugin. The plugin gets a child scope unless
// meta.Shared is set, in which case it works on this scope directly.
// Registration failures are fatal: they are returned here and again from
// Ready.
func (s *Scope) Register(fn PluginFunc, opts PluginOptions, meta plugin.Meta) error {
	if err := s.app.checkNotStarted("register plugin"); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("plugin function cannot be nil")
	}

	target := &Scope{
		app:    s.app,
		node:   s.node,
		prefix: joinPath(s.prefix, opts.Prefix),
	}

	err := s.app.plugins.Register(meta, func() (err error) {
		if !meta.Shared {
			target.node = newNode(s.node, meta.Name, s.app.log)
		}
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("plugin panicked: %v", rec)
			}
		}()
		return fn(target, opts)
	})
	if err != nil {
		s.app.fail(err)
		return err
	}
	return nil
}
