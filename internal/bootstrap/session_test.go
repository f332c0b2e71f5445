package bootstrap

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/config"
	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/session"
)

func sessionConfig(backend string) config.SessionConfig {
	return config.SessionConfig{
		Backend:    backend,
		Table:      "sessions",
		TTL:        time.Hour,
		CookieName: "relay_session",
		CSRF:       true,
	}
}

func findCookie(res *app.InjectResponse, name string) *http.Cookie {
	for _, c := range (&http.Response{Header: res.Headers}).Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fetchToken requests the CSRF token, optionally with an existing cookie
func fetchToken(t *testing.T, r *Relay, cookie *http.Cookie) (string, *http.Cookie) {
	t.Helper()
	opts := app.InjectOptions{URL: CSRFPath}
	if cookie != nil {
		opts.Headers = map[string]string{"Cookie": cookie.Name + "=" + cookie.Value}
	}
	res, err := r.App.Inject(opts)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, res.JSON(&body))
	require.NotEmpty(t, body.Token)
	if c := findCookie(res, "relay_session"); c != nil {
		cookie = c
	}
	return body.Token, cookie
}

func TestNew_MemorySessions(t *testing.T) {
	cfg := baseConfig()
	cfg.Session = sessionConfig("memory")
	r := newRelay(t, cfg)
	require.NoError(t, r.App.Post("/transfer", func(*request.Request, *response.Reply) (interface{}, error) {
		return map[string]string{"status": "ok"}, nil
	}))

	token, cookie := fetchToken(t, r, nil)
	require.NotNil(t, cookie)
	again, _ := fetchToken(t, r, cookie)
	assert.Equal(t, token, again)

	res, err := r.App.Inject(app.InjectOptions{Method: http.MethodPost, URL: "/transfer", Headers: map[string]string{
		"Cookie": cookie.Name + "=" + cookie.Value,
	}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, err = r.App.Inject(app.InjectOptions{Method: http.MethodPost, URL: "/transfer", Headers: map[string]string{
		"Cookie":       cookie.Name + "=" + cookie.Value,
		"X-CSRF-Token": token,
	}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNew_SQLiteSessionsSurviveRestart(t *testing.T) {
	cfg := baseConfig()
	cfg.Session = sessionConfig("sqlite")
	cfg.Session.DSN = filepath.Join(t.TempDir(), "sessions.db")

	first, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	token, cookie := fetchToken(t, first, nil)
	require.NoError(t, first.Close())

	second := newRelay(t, cfg)
	again, _ := fetchToken(t, second, cookie)
	assert.Equal(t, token, again)
}

func TestNew_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.Session = sessionConfig("redis")
	cfg.Session.RedisAddr = mr.Addr()
	r := newRelay(t, cfg)

	_, cookie := fetchToken(t, r, nil)
	assert.True(t, mr.Exists(session.DefaultRedisPrefix+cookie.Value))
}

func TestNew_SessionBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig()
	cfg.Session = sessionConfig("redis")
	cfg.Session.RedisAddr = addr
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)

	cfg.Session = sessionConfig("sqlite")
	cfg.Session.DSN = filepath.Join(t.TempDir(), "missing", "sessions.db")
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestNew_SessionCookiesBypassCache(t *testing.T) {
	cfg := baseConfig()
	cfg.Cache.Backend = "memory"
	cfg.Session = sessionConfig("memory")
	cfg.Session.CSRF = false
	r := newRelay(t, cfg)
	require.NoError(t, r.App.Get("/news", func(*request.Request, *response.Reply) (interface{}, error) {
		return map[string]string{"headline": "relay 1.0"}, nil
	}))

	res, err := r.App.Inject(app.InjectOptions{URL: "/news"})
	require.NoError(t, err)
	assert.Equal(t, "MISS", res.Header("X-Cache"))
	assert.NotNil(t, findCookie(res, "relay_session"))

	res, err = r.App.Inject(app.InjectOptions{URL: "/news"})
	require.NoError(t, err)
	assert.Equal(t, "HIT", res.Header("X-Cache"))

	res, err = r.App.Inject(app.InjectOptions{URL: "/news", Headers: map[string]string{"Cookie": "relay_session=abc"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header("X-Cache"))

	for _, route := range r.App.Routes() {
		assert.NotEqual(t, CSRFPath, route.Pattern)
	}
}
