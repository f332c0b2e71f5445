package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

const (
	// PluginName is the registered name of the response cache plugin
	PluginName = "relay-cache"
	// DecoratorName is the server decoration holding the Store
	DecoratorName = "cache"

	// HeaderStatus reports HIT or MISS on cacheable requests
	HeaderStatus = "X-Cache"
)

type keyContext struct{}

// PluginConfig configures the response cache plugin
type PluginConfig struct {
	Store Store
	Keys  *KeyGenerator
	// TTL for stored responses. Zero uses the store default.
	TTL time.Duration
	// Methods that are cacheable (defaults to GET and HEAD)
	Methods []string
	// SkipPaths are never cached
	SkipPaths []string
	// CacheControl is sent on cacheable responses when set
	CacheControl string
	// Bypass skips the cache for requests it returns true for
	Bypass func(req *request.Request) bool
}

// DefaultPluginConfig returns a default plugin configuration for store
func DefaultPluginConfig(store Store) PluginConfig {
	return PluginConfig{
		Store:        store,
		Keys:         DefaultKeyGenerator(),
		TTL:          5 * time.Minute,
		Methods:      []string{http.MethodGet, http.MethodHead},
		CacheControl: "public, max-age=300",
	}
}

// entry is a stored response
type entry struct {
	Status  int         `json:"status"`
	Header  http.Header `json:"header"`
	Body    []byte      `json:"body"`
	ETag    string      `json:"etag"`
	Created time.Time   `json:"created"`
}

// excludedHeaders are per-response headers that are never replayed
var excludedHeaders = []string{"Content-Length", "Set-Cookie", HeaderStatus, "X-Request-ID"}

// Plugin caches successful responses. Lookups run in onRequest and answer
// hits there; misses are stored from onSend once the payload is encoded.
func Plugin(config PluginConfig) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{Name: PluginName, Core: ">=1.0.0", Shared: true},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			if config.Store == nil {
				return fmt.Errorf("cache plugin requires a store")
			}
			c := &responseCache{config: config}
			if c.config.Keys == nil {
				c.config.Keys = DefaultKeyGenerator()
			}
			if len(c.config.Methods) == 0 {
				c.config.Methods = []string{http.MethodGet, http.MethodHead}
			}
			c.methods = toSet(c.config.Methods)
			c.skip = toSet(c.config.SkipPaths)

			if err := s.DecorateServer(DecoratorName, config.Store); err != nil {
				return err
			}
			if err := s.AddNamedHook(hooks.OnRequest, hooks.NewHook(c.lookup).Named("cache-lookup")); err != nil {
				return err
			}
			return s.AddNamedHook(hooks.OnSend, hooks.NewPayloadHook(c.store).Named("cache-store"))
		},
	}
}

type responseCache struct {
	config  PluginConfig
	methods map[string]struct{}
	skip    map[string]struct{}
}

func (c *responseCache) cacheable(req *request.Request) bool {
	if _, ok := c.methods[req.Method]; !ok {
		return false
	}
	if _, ok := c.skip[req.Path]; ok {
		return false
	}
	if c.config.Bypass != nil && c.config.Bypass(req) {
		return false
	}
	return req.GetHeader("Authorization") == ""
}

func (c *responseCache) lookup(req *request.Request, reply *response.Reply) error {
	if !c.cacheable(req) {
		return nil
	}

	key := c.config.Keys.Key(req)
	data, err := c.config.Store.Get(req.Context(), key)
	switch {
	case err == nil:
		var e entry
		if err := json.Unmarshal(data, &e); err == nil {
			return c.serve(req, reply, &e)
		}
		req.Log().Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
	case !IsMiss(err):
		req.Log().Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}

	req.SetContext(context.WithValue(req.Context(), keyContext{}, key))
	headers := map[string]string{HeaderStatus: "MISS"}
	if c.config.CacheControl != "" {
		headers["Cache-Control"] = c.config.CacheControl
	}
	return reply.Headers(headers)
}

// serve answers a request from a stored entry
func (c *responseCache) serve(req *request.Request, reply *response.Reply, e *entry) error {
	headers := map[string]string{
		HeaderStatus:    "HIT",
		"ETag":          e.ETag,
		"Last-Modified": e.Created.UTC().Format(http.TimeFormat),
		"Age":           fmt.Sprintf("%d", int(time.Since(e.Created).Seconds())),
	}
	for name, values := range e.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	if c.config.CacheControl != "" {
		headers["Cache-Control"] = c.config.CacheControl
	}
	if err := reply.Headers(headers); err != nil {
		return err
	}

	if NotModified(req.Header, e.ETag, e.Created) {
		if err := reply.Code(http.StatusNotModified); err != nil {
			return err
		}
		return reply.Send(nil)
	}

	if err := reply.Code(e.Status); err != nil {
		return err
	}
	return reply.Send(e.Body)
}

func (c *responseCache) store(req *request.Request, reply *response.Reply, payload interface{}) (interface{}, error) {
	key, ok := req.Context().Value(keyContext{}).(string)
	if !ok {
		return payload, nil
	}
	status := reply.StatusCode()
	if status < 200 || status >= 300 {
		return payload, nil
	}
	body, ok := payload.([]byte)
	if !ok && payload != nil {
		return payload, nil
	}

	header := reply.HeaderMap()
	for _, name := range excludedHeaders {
		header.Del(name)
	}
	header.Del("Cache-Control")

	data, err := json.Marshal(entry{
		Status:  status,
		Header:  header,
		Body:    body,
		ETag:    GenerateETag(body),
		Created: time.Now().UTC(),
	})
	if err != nil {
		req.Log().Warn("failed to encode cache entry", zap.Error(err))
		return payload, nil
	}

	// the request context may already be cancelled by a timeout
	ctx := context.WithoutCancel(req.Context())
	if err := c.config.Store.Set(ctx, key, data, c.config.TTL); err != nil {
		req.Log().Warn("failed to store cache entry", zap.String("key", key), zap.Error(err))
	}
	return payload, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
