package cache

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

func cachedApp(t *testing.T, store Store) (*app.App, *int32) {
	t.Helper()
	a, err := app.New(app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, middleware.Install(a.Scope, Plugin(DefaultPluginConfig(store))))

	var calls int32
	require.NoError(t, a.Get("/items/:id", func(req *request.Request, reply *response.Reply) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, reply.Header("X-Item", req.Param("id")))
		return map[string]interface{}{"id": req.Param("id"), "call": atomic.LoadInt32(&calls)}, nil
	}))
	require.NoError(t, a.Get("/missing", func(*request.Request, *response.Reply) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, response.NewHTTPError(http.StatusNotFound, "gone")
	}))
	require.NoError(t, a.Post("/items", func(*request.Request, *response.Reply) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "created", nil
	}))
	return a, &calls
}

func TestPlugin_MissThenHit(t *testing.T) {
	store := NewMemoryStore(DefaultConfig(), 0)
	a, calls := cachedApp(t, store)

	first, err := a.Inject(app.InjectOptions{URL: "/items/1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header(HeaderStatus))
	assert.Equal(t, "public, max-age=300", first.Header("Cache-Control"))

	second, err := a.Inject(app.InjectOptions{URL: "/items/1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header(HeaderStatus))
	assert.Equal(t, first.String(), second.String())
	assert.Equal(t, response.ContentTypeJSON, second.Header("Content-Type"))
	assert.Equal(t, "1", second.Header("X-Item"))
	assert.NotEmpty(t, second.Header("ETag"))
	assert.NotEmpty(t, second.Header("Last-Modified"))

	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestPlugin_ConditionalHit(t *testing.T) {
	a, _ := cachedApp(t, NewMemoryStore(DefaultConfig(), 0))

	_, err := a.Inject(app.InjectOptions{URL: "/items/1"})
	require.NoError(t, err)
	hit, err := a.Inject(app.InjectOptions{URL: "/items/1"})
	require.NoError(t, err)

	res, err := a.Inject(app.InjectOptions{
		URL:     "/items/1",
		Headers: map[string]string{"If-None-Match": hit.Header("ETag")},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, res.StatusCode)
	assert.Empty(t, res.Body)
}

func TestPlugin_NotStored(t *testing.T) {
	store := NewMemoryStore(DefaultConfig(), 0)
	a, calls := cachedApp(t, store)

	for i := 0; i < 2; i++ {
		res, err := a.Inject(app.InjectOptions{URL: "/missing"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	}

	for i := 0; i < 2; i++ {
		res, err := a.Inject(app.InjectOptions{Method: http.MethodPost, URL: "/items", Body: "x"})
		require.NoError(t, err)
		assert.Empty(t, res.Header(HeaderStatus))
	}

	for i := 0; i < 2; i++ {
		res, err := a.Inject(app.InjectOptions{
			URL:     "/items/9",
			Headers: map[string]string{"Authorization": "Bearer token"},
		})
		require.NoError(t, err)
		assert.Empty(t, res.Header(HeaderStatus))
	}

	assert.Equal(t, int32(6), atomic.LoadInt32(calls))
	assert.Zero(t, store.Len())
}

func TestPlugin_Bypass(t *testing.T) {
	a, err := app.New(app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	config := DefaultPluginConfig(NewMemoryStore(DefaultConfig(), 0))
	config.Bypass = func(req *request.Request) bool {
		return req.GetHeader("Cookie") != ""
	}
	require.NoError(t, middleware.Install(a.Scope, Plugin(config)))

	var calls int32
	require.NoError(t, a.Get("/me", func(*request.Request, *response.Reply) (interface{}, error) {
		return map[string]int32{"call": atomic.AddInt32(&calls, 1)}, nil
	}))

	for i := 0; i < 2; i++ {
		res, err := a.Inject(app.InjectOptions{URL: "/me", Headers: map[string]string{"Cookie": "sid=1"}})
		require.NoError(t, err)
		assert.Empty(t, res.Header(HeaderStatus))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	res, err := a.Inject(app.InjectOptions{URL: "/me"})
	require.NoError(t, err)
	assert.Equal(t, "MISS", res.Header(HeaderStatus))
}

func TestPlugin_QuerySplitsEntries(t *testing.T) {
	a, calls := cachedApp(t, NewMemoryStore(DefaultConfig(), 0))

	for _, url := range []string{"/items/1?v=1", "/items/1?v=2", "/items/1?v=1"} {
		_, err := a.Inject(app.InjectOptions{URL: url})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestPlugin_HeadUsesGetEntry(t *testing.T) {
	a, calls := cachedApp(t, NewMemoryStore(DefaultConfig(), 0))

	_, err := a.Inject(app.InjectOptions{URL: "/items/3"})
	require.NoError(t, err)

	res, err := a.Inject(app.InjectOptions{Method: http.MethodHead, URL: "/items/3"})
	require.NoError(t, err)
	assert.Equal(t, "HIT", res.Header(HeaderStatus))
	assert.Empty(t, res.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestPlugin_CorruptEntryIsReplaced(t *testing.T) {
	store := NewMemoryStore(DefaultConfig(), 0)
	a, calls := cachedApp(t, store)

	req := newRequest(t, "GET", "/items/5", nil)
	key := DefaultKeyGenerator().Key(req)
	require.NoError(t, store.Set(context.Background(), key, []byte("{not json"), 0))

	res, err := a.Inject(app.InjectOptions{URL: "/items/5"})
	require.NoError(t, err)
	assert.Equal(t, "MISS", res.Header(HeaderStatus))

	res, err = a.Inject(app.InjectOptions{URL: "/items/5"})
	require.NoError(t, err)
	assert.Equal(t, "HIT", res.Header(HeaderStatus))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestPlugin_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })

	a, calls := cachedApp(t, store)

	_, err := a.Inject(app.InjectOptions{URL: "/items/7"})
	require.NoError(t, err)
	res, err := a.Inject(app.InjectOptions{URL: "/items/7"})
	require.NoError(t, err)

	assert.Equal(t, "HIT", res.Header(HeaderStatus))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Len(t, mr.Keys(), 1)
}

func TestPlugin_RedisUnavailableServesUncached(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })

	a, calls := cachedApp(t, store)
	mr.Close()

	for i := 0; i < 2; i++ {
		res, err := a.Inject(app.InjectOptions{URL: "/items/8"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Empty(t, res.Header(HeaderStatus))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestPlugin_StoreDecoration(t *testing.T) {
	store := NewMemoryStore(DefaultConfig(), 0)
	a, _ := cachedApp(t, store)

	value, ok := a.Decoration(DecoratorName)
	require.True(t, ok)
	assert.Same(t, store, value)
}

func TestPlugin_RequiresStore(t *testing.T) {
	a, err := app.New()
	require.NoError(t, err)

	err = middleware.Install(a.Scope, Plugin(PluginConfig{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a store")
}
