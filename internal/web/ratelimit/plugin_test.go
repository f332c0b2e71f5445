package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (*Info, error) {
	return nil, errors.New("backend down")
}

func (failingLimiter) Close() error { return nil }

func newLimitedApp(t *testing.T, config PluginConfig) (*app.App, *int) {
	t.Helper()
	a, err := app.New(app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, middleware.Install(a.Scope, Plugin(config)))

	calls := 0
	handler := func(*request.Request, *response.Reply) (interface{}, error) {
		calls++
		return map[string]string{"ok": "yes"}, nil
	}
	require.NoError(t, a.Get("/items", handler))
	require.NoError(t, a.Get("/health", handler))
	return a, &calls
}

func inject(t *testing.T, a *app.App, url, remote string) *app.InjectResponse {
	t.Helper()
	res, err := a.Inject(app.InjectOptions{URL: url, RemoteAddr: remote})
	require.NoError(t, err)
	return res
}

func TestPlugin_Limits(t *testing.T) {
	tb, _ := newBucket(t, 2, time.Minute)
	a, calls := newLimitedApp(t, DefaultPluginConfig(tb))

	res := inject(t, a, "/items", "10.0.0.1:1234")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "2", res.Header("X-RateLimit-Limit"))
	assert.Equal(t, "1", res.Header("X-RateLimit-Remaining"))

	res = inject(t, a, "/items", "10.0.0.1:5678")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0", res.Header("X-RateLimit-Remaining"))

	res = inject(t, a, "/items", "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.NotEmpty(t, res.Header("Retry-After"))

	var body response.ErrorResponse
	require.NoError(t, res.JSON(&body))
	assert.Equal(t, http.StatusTooManyRequests, body.StatusCode)
	assert.EqualValues(t, 2, body.Details["limit"])
	assert.Equal(t, 2, *calls)

	res = inject(t, a, "/items", "10.0.0.2:1234")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPlugin_SkipPathsAndEmptyKey(t *testing.T) {
	tb, _ := newBucket(t, 1, time.Minute)
	config := DefaultPluginConfig(tb)
	config.SkipPaths = []string{"/health"}
	config.Key = func(req *request.Request) string {
		if req.GetHeader("X-Internal") != "" {
			return ""
		}
		return ClientIP(req)
	}
	a, _ := newLimitedApp(t, config)

	for i := 0; i < 3; i++ {
		res := inject(t, a, "/health", "10.0.0.1:1")
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Empty(t, res.Header("X-RateLimit-Limit"))
	}

	for i := 0; i < 3; i++ {
		res, err := a.Inject(app.InjectOptions{URL: "/items", RemoteAddr: "10.0.0.1:1", Headers: map[string]string{"X-Internal": "1"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}
}

func TestPlugin_LimiterErrors(t *testing.T) {
	a, calls := newLimitedApp(t, DefaultPluginConfig(failingLimiter{}))
	res := inject(t, a, "/items", "10.0.0.1:1")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, *calls)

	config := DefaultPluginConfig(failingLimiter{})
	config.FailOpen = false
	a, calls = newLimitedApp(t, config)
	res = inject(t, a, "/items", "10.0.0.1:1")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, 0, *calls)
}

func TestPlugin_RequiresLimiter(t *testing.T) {
	a, err := app.New()
	require.NoError(t, err)
	err = middleware.Install(a.Scope, Plugin(PluginConfig{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a limiter")
}

func TestKeyFuncs(t *testing.T) {
	req := &request.Request{RemoteAddr: "192.0.2.1:4000", Header: http.Header{}}
	assert.Equal(t, "192.0.2.1", ClientIP(req))
	assert.Equal(t, "192.0.2.1", ForwardedClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ForwardedClientIP(req))

	assert.Equal(t, "unix-socket", ClientIP(&request.Request{RemoteAddr: "unix-socket"}))

	byUser := UserOrIP(func(req *request.Request) (string, bool) {
		id := req.GetHeader("X-User")
		return id, id != ""
	})
	assert.Equal(t, "ip:192.0.2.1", byUser(req))
	req.Header.Set("X-User", "alice")
	assert.Equal(t, "user:alice", byUser(req))
}
