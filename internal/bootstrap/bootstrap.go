// Package bootstrap assembles the relay application from configuration:
// built-in plugins, cache, rate limit and session backends, static files,
// authentication and the system routes served by `relay serve`.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/config"
	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/auth"
	"github.com/conduit-lang/relay/internal/web/cache"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/profiling"
	"github.com/conduit-lang/relay/internal/web/ratelimit"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
	"github.com/conduit-lang/relay/internal/web/server"
	"github.com/conduit-lang/relay/internal/web/session"
	"github.com/conduit-lang/relay/internal/web/static"
)

const (
	// HealthPath answers liveness probes and is never cached or logged
	HealthPath = "/health"
	// TokenPath exchanges credentials for a bearer token
	TokenPath = "/auth/token"
	// APIPrefix holds the routes protected by the JWT plugin
	APIPrefix = "/api"
	// StatsPath serves runtime statistics when debug.stats is set
	StatsPath = "/debug/stats"
)

// sweepInterval is how often the memory cache drops expired entries
const sweepInterval = time.Minute

var healthSchema = serializer.Schema{
	"type": "object",
	"properties": map[string]interface{}{
		"status":  map[string]interface{}{"type": "string"},
		"version": map[string]interface{}{"type": "string"},
		"uptime":  map[string]interface{}{"type": "number"},
	},
}

var meSchema = serializer.Schema{
	"type": "object",
	"properties": map[string]interface{}{
		"user_id": map[string]interface{}{"type": "string"},
		"email":   map[string]interface{}{"type": "string"},
		"roles":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
}

// Relay is an assembled application together with the resources it owns
type Relay struct {
	App    *app.App
	Config *config.Config
	Log    *zap.Logger

	store       cache.Store
	limiter     ratelimit.Limiter
	limitClient *redis.Client
	sessions    session.Store
	sessionDB   *sql.DB
	started     time.Time
	version     string
}

// Option customizes assembly
type Option func(*Relay)

// WithVersion sets the version reported by the health route
func WithVersion(version string) Option {
	return func(r *Relay) {
		r.version = version
	}
}

// WithLimiter replaces the rate limit backend selected by configuration
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(r *Relay) {
		r.limiter = limiter
	}
}

// WithStore replaces the cache backend selected by configuration
func WithStore(store cache.Store) Option {
	return func(r *Relay) {
		r.store = store
	}
}

// New builds the application described by cfg. The returned Relay must be
// closed to release its backends.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		Config:  cfg,
		Log:     logger,
		started: time.Now(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(r)
	}

	ids := middleware.DefaultRequestIDConfig()
	appOpts := []app.Option{
		app.WithLogger(logger),
		app.WithRequestIDGenerator(middleware.RequestIDGenerator(ids)),
		app.WithBodyLimit(cfg.App.BodyLimit),
		app.WithRequestTimeout(cfg.App.RequestTimeout),
	}
	if cfg.App.CoreVersion != "" {
		appOpts = append(appOpts, app.WithCoreVersion(cfg.App.CoreVersion))
	}
	a, err := app.New(appOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	r.App = a

	if err := r.openStore(ctx); err != nil {
		return nil, err
	}
	if err := r.openLimiter(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	if err := r.openSessions(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	if err := r.install(ids); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Relay) openStore(ctx context.Context) error {
	if r.store != nil {
		return nil
	}
	base := cache.DefaultConfig()
	base.DefaultTTL = r.Config.Cache.TTL

	switch r.Config.Cache.Backend {
	case "memory":
		r.store = cache.NewMemoryStore(base, sweepInterval)
	case "redis":
		redisConfig := cache.DefaultRedisConfig()
		redisConfig.Addr = r.Config.Cache.RedisAddr
		redisConfig.Config = base
		store, err := cache.NewRedisStore(ctx, redisConfig)
		if err != nil {
			return err
		}
		r.store = store
	}
	return nil
}

func (r *Relay) openLimiter(ctx context.Context) error {
	rl := r.Config.RateLimit
	if r.limiter != nil || !rl.Enabled {
		return nil
	}

	switch rl.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: rl.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", rl.RedisAddr, err)
		}
		redisConfig := ratelimit.DefaultRedisConfig(client)
		redisConfig.Limit = rl.Limit
		redisConfig.Window = rl.Window
		limiter, err := ratelimit.NewRedisLimiter(redisConfig)
		if err != nil {
			_ = client.Close()
			return err
		}
		r.limiter = limiter
		r.limitClient = client
	default:
		bucketConfig := ratelimit.DefaultTokenBucketConfig()
		bucketConfig.Capacity = rl.Limit
		bucketConfig.RefillRate = rl.Window
		limiter, err := ratelimit.NewTokenBucket(bucketConfig)
		if err != nil {
			return err
		}
		r.limiter = limiter
	}
	return nil
}

func (r *Relay) install(ids middleware.RequestIDConfig) error {
	plugins := []middleware.Plugin{
		middleware.RequestID(ids),
		middleware.Logging(middleware.LoggingConfig{
			SkipPaths: []string{HealthPath, StatsPath},
			Level:     middleware.DefaultLoggingConfig().Level,
		}),
		middleware.Recovery(middleware.DefaultRecoveryConfig()),
	}

	if origins := r.Config.CORS.AllowedOrigins; len(origins) > 0 {
		cors := middleware.DefaultCORSConfig()
		cors.AllowedOrigins = origins
		cors.AllowCredentials = r.Config.CORS.AllowCredentials
		plugins = append(plugins, middleware.CORS(cors))
	}

	if r.limiter != nil {
		limitConfig := ratelimit.DefaultPluginConfig(r.limiter)
		limitConfig.SkipPaths = []string{HealthPath}
		if r.Config.RateLimit.TrustProxy {
			limitConfig.Key = ratelimit.ForwardedClientIP
		}
		plugins = append(plugins, ratelimit.Plugin(limitConfig))
	}

	if r.sessions != nil {
		plugins = append(plugins, session.Plugin(r.sessionPlugin()))
	}

	if r.store != nil {
		cacheConfig := cache.DefaultPluginConfig(r.store)
		cacheConfig.TTL = r.Config.Cache.TTL
		cacheConfig.SkipPaths = []string{HealthPath}
		if r.sessions != nil {
			cacheConfig.Bypass = session.HasCookie(r.sessionPlugin().CookieName)
		}
		plugins = append(plugins, cache.Plugin(cacheConfig))
	}

	if err := middleware.Install(r.App.Scope, plugins...); err != nil {
		return err
	}

	if err := r.App.Get(HealthPath, r.health, app.WithResponseSchema("200", healthSchema)); err != nil {
		return err
	}

	if r.sessions != nil && r.Config.Session.CSRF {
		if err := r.installCSRFRoute(); err != nil {
			return err
		}
	}

	if r.Config.Debug.Stats {
		if err := middleware.Install(r.App.Scope, profiling.StatsPlugin(StatsPath)); err != nil {
			return err
		}
	}

	if sc := r.Config.Static; sc.Root != "" {
		files := static.DefaultConfig(sc.Root)
		files.Prefix = sc.Prefix
		files.MaxAge = sc.MaxAge
		if err := middleware.Install(r.App.Scope, static.Plugin(files)); err != nil {
			return err
		}
	}

	if r.Config.Auth.Enabled() {
		return r.installAuth()
	}
	return nil
}

func (r *Relay) installAuth() error {
	authConfig := r.Config.Auth
	service, err := auth.NewService(authConfig.JWTSecret, authConfig.TokenTTL, authConfig.Issuer)
	if err != nil {
		return err
	}

	accounts := auth.NewStaticAccounts()
	for _, u := range authConfig.Users {
		accounts.Put(&auth.Account{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Email:        u.Email,
			Roles:        u.Roles,
		})
	}

	err = r.App.Post(TokenPath, auth.TokenHandler(service, accounts), app.WithSchema(app.RouteSchema{
		Body:     auth.LoginSchema,
		Response: map[string]serializer.Schema{"200": auth.TokenResponseSchema},
	}))
	if err != nil {
		return err
	}

	protected := auth.Plugin(auth.PluginConfig{
		Service: service,
		Routes: func(s *app.Scope) error {
			return s.Get("/me", me, app.WithResponseSchema("200", meSchema))
		},
	})
	protected.Options = app.PluginOptions{Prefix: APIPrefix}
	return middleware.Install(r.App.Scope, protected)
}

func (r *Relay) health(_ *request.Request, _ *response.Reply) (interface{}, error) {
	return map[string]interface{}{
		"status":  "ok",
		"version": r.version,
		"uptime":  time.Since(r.started).Seconds(),
	}, nil
}

func me(req *request.Request, _ *response.Reply) (interface{}, error) {
	claims, ok := auth.CurrentUser(req)
	if !ok {
		return nil, response.NewHTTPError(http.StatusUnauthorized, "Authorization required")
	}
	return map[string]interface{}{
		"user_id": claims.UserID,
		"email":   claims.Email,
		"roles":   claims.Roles,
	}, nil
}

// ServerConfig translates the server section into transport settings
func (r *Relay) ServerConfig() *server.Config {
	sc := server.DefaultConfig()
	sc.Address = r.Config.Server.Address()
	sc.ReadTimeout = r.Config.Server.ReadTimeout
	sc.WriteTimeout = r.Config.Server.WriteTimeout
	sc.Logger = r.Log
	if r.Config.Server.Compression {
		sc.Compression = server.DefaultCompressionConfig()
	}
	return sc
}

// Close releases the cache, rate limit and session backends
func (r *Relay) Close() error {
	var errs []error
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
		}
	}
	if r.sessionDB != nil {
		if err := r.sessionDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session database: %w", err))
		}
	}
	if r.limiter != nil {
		if err := r.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rate limiter: %w", err))
		}
	}
	if r.limitClient != nil {
		if err := r.limitClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rate limit client: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache store: %w", err))
		}
	}
	return errors.Join(errs...)
}
