package bootstrap

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/config"
	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/auth"
	"github.com/conduit-lang/relay/internal/web/cache"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         0,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		App:     config.AppConfig{BodyLimit: 1 << 20},
		Logging: config.LoggingConfig{Level: "info"},
		Cache:   config.CacheConfig{Backend: "none", TTL: time.Minute},
		Auth:    config.AuthConfig{Issuer: "relay", TokenTTL: time.Hour},
	}
}

func newRelay(t *testing.T, cfg *config.Config, opts ...Option) *Relay {
	t.Helper()
	r, err := New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_Health(t *testing.T) {
	r := newRelay(t, baseConfig(), WithVersion("1.2.3"))

	res, err := r.App.Inject(app.InjectOptions{URL: HealthPath})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header("X-Request-ID"))

	var body struct {
		Status  string  `json:"status"`
		Version string  `json:"version"`
		Uptime  float64 `json:"uptime"`
	}
	require.NoError(t, res.JSON(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.GreaterOrEqual(t, body.Uptime, 0.0)
}

func TestNew_RoutesWithoutAuth(t *testing.T) {
	r := newRelay(t, baseConfig())
	require.NoError(t, r.App.Ready())

	var patterns []string
	for _, route := range r.App.Routes() {
		patterns = append(patterns, route.Method+" "+route.Pattern)
	}
	assert.Equal(t, []string{"GET /health"}, patterns)
}

func TestNew_Auth(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Auth.JWTSecret = "secret"
	cfg.Auth.Users = []config.UserConfig{{
		Username:     "alice",
		PasswordHash: hash,
		Email:        "alice@example.com",
		Roles:        []string{"admin"},
	}}
	r := newRelay(t, cfg)

	res, err := r.App.Inject(app.InjectOptions{URL: APIPrefix + "/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, err = r.App.Inject(app.InjectOptions{
		Method: http.MethodPost,
		URL:    TokenPath,
		Body:   map[string]interface{}{"username": "alice", "password": "hunter2"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode, res.String())

	var token struct {
		Token string `json:"token"`
	}
	require.NoError(t, res.JSON(&token))

	res, err = r.App.Inject(app.InjectOptions{
		URL:     APIPrefix + "/me",
		Headers: map[string]string{"Authorization": "Bearer " + token.Token},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"user_id":"alice","email":"alice@example.com","roles":["admin"]}`, res.String())

	res, err = r.App.Inject(app.InjectOptions{URL: HealthPath})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNew_CORS(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS.AllowedOrigins = []string{"https://app.example.com"}
	r := newRelay(t, cfg)

	res, err := r.App.Inject(app.InjectOptions{
		Method: http.MethodOptions,
		URL:    HealthPath,
		Headers: map[string]string{
			"Origin":                        "https://app.example.com",
			"Access-Control-Request-Method": "GET",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "https://app.example.com", res.Header("Access-Control-Allow-Origin"))
}

func TestNew_MemoryCacheSkipsHealth(t *testing.T) {
	cfg := baseConfig()
	cfg.Cache.Backend = "memory"
	store := cache.NewMemoryStore(cache.DefaultConfig(), 0)
	r := newRelay(t, cfg, WithStore(store))

	res, err := r.App.Inject(app.InjectOptions{URL: HealthPath})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header("X-Cache"))
	assert.Equal(t, 0, store.Len())

	value, ok := r.App.Decoration(cache.DecoratorName)
	require.True(t, ok)
	assert.Same(t, store, value)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = mr.Addr()
	r := newRelay(t, cfg)

	_, ok := r.App.Decoration(cache.DecoratorName)
	assert.True(t, ok)
}

func TestNew_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig()
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = addr

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestNew_CoreVersionMismatch(t *testing.T) {
	cfg := baseConfig()
	cfg.App.CoreVersion = "0.9.0"

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Port = 8181
	cfg.Server.Compression = true
	r := newRelay(t, cfg)

	sc := r.ServerConfig()
	assert.Equal(t, "127.0.0.1:8181", sc.Address)
	assert.Equal(t, time.Second, sc.ReadTimeout)
	assert.NotNil(t, sc.Compression)
}

func TestNew_RateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Backend: "memory", Limit: 1, Window: time.Minute}
	r := newRelay(t, cfg)
	require.NoError(t, r.App.Get("/ping", func(*request.Request, *response.Reply) (interface{}, error) {
		return "pong", nil
	}))

	res, err := r.App.Inject(app.InjectOptions{URL: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "1", res.Header("X-RateLimit-Limit"))

	res, err = r.App.Inject(app.InjectOptions{URL: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	for i := 0; i < 3; i++ {
		res, err = r.App.Inject(app.InjectOptions{URL: HealthPath})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}
}

func TestNew_RedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Backend: "redis", RedisAddr: mr.Addr(), Limit: 5, Window: time.Minute}
	r := newRelay(t, cfg)
	require.NoError(t, r.App.Get("/ping", func(*request.Request, *response.Reply) (interface{}, error) {
		return "pong", nil
	}))

	res, err := r.App.Inject(app.InjectOptions{URL: "/ping", RemoteAddr: "192.0.2.1:1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "4", res.Header("X-RateLimit-Remaining"))
	assert.True(t, mr.Exists("relay:ratelimit:192.0.2.1"))
}

func TestNew_RateLimitRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Backend: "redis", RedisAddr: addr, Limit: 5, Window: time.Minute}

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestNew_StaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "robots.txt"), []byte("User-agent: *"), 0644))

	cfg := baseConfig()
	cfg.Static = config.StaticConfig{Root: dir, Prefix: "/public", MaxAge: time.Hour}
	r := newRelay(t, cfg)

	res, err := r.App.Inject(app.InjectOptions{URL: "/public/robots.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "User-agent: *", res.String())
	assert.Equal(t, "public, max-age=3600", res.Header("Cache-Control"))
}

func TestNew_DebugStats(t *testing.T) {
	cfg := baseConfig()
	cfg.Debug.Stats = true
	r := newRelay(t, cfg)

	res, err := r.App.Inject(app.InjectOptions{URL: StatsPath})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.String(), `"goroutines":`)
}
