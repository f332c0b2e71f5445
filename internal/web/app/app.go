package app

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/router"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// CoreVersion is the version plugins check their core constraint against
const CoreVersion = "1.0.0"

// ErrAlreadyStarted is returned when the application is modified after Ready
var ErrAlreadyStarted = errors.New("application already started")

// Option configures an App
type Option func(*App)

// WithLogger sets the application logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.log = logger
		}
	}
}

// WithCoreVersion overrides the version plugins are checked against
func WithCoreVersion(version string) Option {
	return func(a *App) {
		a.coreVersion = version
	}
}

// WithBodyLimit sets the default body limit in bytes
func WithBodyLimit(limit int64) Option {
	return func(a *App) {
		a.bodyLimit = limit
	}
}

// WithRequestTimeout sets the default request timeout. Zero disables it.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(a *App) {
		a.requestTimeout = timeout
	}
}

// WithUploadConfig sets the multipart limits
func WithUploadConfig(config request.UploadConfig) Option {
	return func(a *App) {
		a.upload = &config
	}
}

// WithRequestIDGenerator replaces the default sequential request ids
func WithRequestIDGenerator(gen func(req *request.Request) string) Option {
	return func(a *App) {
		if gen != nil {
			a.genReqID = gen
		}
	}
}

// App is the root of the scope tree. It owns the route table, the parser
// registry, the serializer and the plugin registry.
type App struct {
	*Scope

	log            *zap.Logger
	coreVersion    string
	bodyLimit      int64
	requestTimeout time.Duration
	upload         *request.UploadConfig
	genReqID       func(req *request.Request) string
	reqSeq         atomic.Uint64

	root       *node
	router     *router.Router[*route]
	parsers    *request.Registry
	serializer *serializer.Serializer
	validator  *serializer.Validator
	plugins    *plugin.Registry
	notFound   Handler

	mu      sync.Mutex
	routes  []*route
	bootErr error
	started atomic.Bool

	readyOnce sync.Once
	readyErr  error
}

// New creates an application
func New(opts ...Option) (*App, error) {
	a := &App{
		log:         zap.NewNop(),
		coreVersion: CoreVersion,
		router:      router.NewRouter[*route](),
		parsers:     request.NewRegistry(),
		serializer:  serializer.New(),
	}
	a.genReqID = a.nextRequestID

	for _, opt := range opts {
		opt(a)
	}

	plugins, err := plugin.NewRegistry(a.coreVersion, a.log.Named("plugins"))
	if err != nil {
		return nil, err
	}
	a.plugins = plugins

	if a.bodyLimit != 0 {
		if err := a.parsers.SetBodyLimit(a.bodyLimit); err != nil {
			return nil, err
		}
	}
	if a.upload != nil {
		a.parsers.SetUploadConfig(*a.upload)
	}
	if a.requestTimeout < 0 {
		return nil, fmt.Errorf("request timeout cannot be negative")
	}

	a.validator = serializer.NewValidator(a.serializer)
	a.root = newNode(nil, "root", a.log.Named("hooks"))
	a.Scope = &Scope{app: a, node: a.root}
	return a, nil
}

func (a *App) nextRequestID(_ *request.Request) string {
	return "req-" + strconv.FormatUint(a.reqSeq.Add(1), 10)
}

// Logger returns the application logger
func (a *App) Logger() *zap.Logger {
	return a.log
}

// Serializer returns the response serializer
func (a *App) Serializer() *serializer.Serializer {
	return a.serializer
}

// Plugins returns plugin registry counts
func (a *App) Plugins() plugin.Stats {
	return a.plugins.Stats()
}

// SetNotFoundHandler replaces the handler for unmatched requests. The
// root scope's onRequest hooks run before it.
func (a *App) SetNotFoundHandler(fn Handler) error {
	if err := a.checkNotStarted("set not found handler"); err != nil {
		return err
	}
	a.notFound = fn
	return nil
}

// Routes lists the registered routes sorted by pattern and method
func (a *App) Routes() []router.RouteInfo {
	routes := a.router.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern != routes[j].Pattern {
			return routes[i].Pattern < routes[j].Pattern
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

// Lookup resolves method and path against the route table the way
// dispatch does. It reports the matched pattern and captured parameters.
func (a *App) Lookup(method, path string) (string, router.Params, bool) {
	match, ok := a.find(method, path)
	if !ok {
		return "", nil, false
	}
	return match.Pattern, match.Params, true
}

// find matches a route, letting HEAD fall back to GET
func (a *App) find(method, path string) (*router.Match[*route], bool) {
	match, ok := a.router.Find(method, path)
	if !ok && method == http.MethodHead {
		match, ok = a.router.Find(http.MethodGet, path)
	}
	return match, ok
}

// Started reports whether Ready has completed successfully
func (a *App) Started() bool {
	return a.started.Load()
}

// Ready finishes startup. It returns the first plugin registration error,
// composes each scope's hooks, compiles every route schema and seals the
// decorator tree. Later calls return the first result.
func (a *App) Ready() error {
	a.readyOnce.Do(func() {
		a.readyErr = a.ready()
		if a.readyErr == nil {
			a.started.Store(true)
			a.log.Info("application ready",
				zap.Int("routes", a.router.Len()),
				zap.Strings("plugins", a.plugins.Stats().LoadedNames),
			)
		}
	})
	return a.readyErr
}

func (a *App) ready() error {
	a.mu.Lock()
	bootErr := a.bootErr
	routes := append([]*route(nil), a.routes...)
	a.mu.Unlock()

	if bootErr != nil {
		return bootErr
	}

	err := a.root.walk(func(n *node) error {
		var parent *hooks.Manager
		if n.parent != nil {
			parent = n.parent.effective
		}
		n.effective = n.hooks.Inherit(parent)
		n.decorators.Seal()
		return nil
	})
	if err != nil {
		return err
	}

	for _, rt := range routes {
		if err := a.compileRoute(rt); err != nil {
			return fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *App) compileRoute(rt *route) error {
	for location, schema := range map[string]serializer.Schema{
		serializer.LocationBody:    rt.schema.Body,
		serializer.LocationQuery:   rt.schema.Querystring,
		serializer.LocationParams:  rt.schema.Params,
		serializer.LocationHeaders: rt.schema.Headers,
	} {
		if schema == nil {
			continue
		}
		if _, err := a.validator.Compile(schema); err != nil {
			return fmt.Errorf("%s schema: %w", location, err)
		}
	}
	encoders := make(map[string]serializer.Encoder, len(rt.schema.Response))
	for status, schema := range rt.schema.Response {
		encoder, err := a.serializer.Compile(schema)
		if err != nil {
			return fmt.Errorf("response schema %s: %w", status, err)
		}
		encoders[status] = encoder
	}
	rt.encoders = encoders
	return nil
}

// fail records the first startup error
func (a *App) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bootErr == nil {
		a.bootErr = err
	}
}

func (a *App) checkNotStarted(action string) error {
	if a.started.Load() {
		return fmt.Errorf("cannot %s: %w", action, ErrAlreadyStarted)
	}
	return nil
}
