package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. RELAY_SERVER_PORT
const EnvPrefix = "RELAY"

// Config represents the relay configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Static    StaticConfig    `mapstructure:"static"`
	Session   SessionConfig   `mapstructure:"session"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Compression     bool          `mapstructure:"compression"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AppConfig configures the application core
type AppConfig struct {
	BodyLimit      int64         `mapstructure:"body_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CoreVersion    string        `mapstructure:"core_version"`
}

// LoggingConfig selects the zap preset and level
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CacheConfig configures the response cache plugin
type CacheConfig struct {
	// Backend is "memory", "redis" or "none"
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// AuthConfig configures the JWT plugin. It is disabled without a secret.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []UserConfig  `mapstructure:"users"`
}

// Enabled reports whether a secret was configured
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// UserConfig is an account allowed to request tokens. PasswordHash is a
// bcrypt hash as printed by `relay hash-password`.
type UserConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Email        string   `mapstructure:"email"`
	Roles        []string `mapstructure:"roles"`
}

// CORSConfig configures the CORS plugin. It is disabled without origins.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// RateLimitConfig configures the rate limit plugin
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "memory" or "redis"
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Limit     int           `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
	// TrustProxy keys clients by X-Forwarded-For
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// StaticConfig configures the static file plugin. It is disabled without a
// root directory.
type StaticConfig struct {
	Root   string        `mapstructure:"root"`
	Prefix string        `mapstructure:"prefix"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// SessionConfig configures cookie sessions. They are disabled with the
// "none" backend.
type SessionConfig struct {
	// Backend is "none", "memory", "redis", "sqlite" or "postgres"
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
	// DSN is the database source for the sqlite and postgres backends
	DSN        string        `mapstructure:"dsn"`
	Table      string        `mapstructure:"table"`
	TTL        time.Duration `mapstructure:"ttl"`
	CookieName string        `mapstructure:"cookie_name"`
	Secure     bool          `mapstructure:"secure"`
	Rolling    bool          `mapstructure:"rolling"`
	CSRF       bool          `mapstructure:"csrf"`
}

// Enabled reports whether a session backend was selected
func (s SessionConfig) Enabled() bool {
	return s.Backend != "" && s.Backend != "none"
}

// DebugConfig enables diagnostics. Both are off by default.
type DebugConfig struct {
	// PprofAddr starts a separate pprof listener when set
	PprofAddr string `mapstructure:"pprof_addr"`
	// Stats serves runtime statistics at /debug/stats
	Stats bool `mapstructure:"stats"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.compression", false)

	v.SetDefault("app.body_limit", 1<<20)
	v.SetDefault("app.request_timeout", 0)
	v.SetDefault("app.core_version", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "relay")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.redis_addr", "localhost:6379")
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.trust_proxy", false)

	v.SetDefault("static.root", "")
	v.SetDefault("static.prefix", "/static")
	v.SetDefault("static.max_age", 24*time.Hour)

	v.SetDefault("session.backend", "none")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.dsn", "")
	v.SetDefault("session.table", "sessions")
	v.SetDefault("session.ttl", 7*24*time.Hour)
	v.SetDefault("session.cookie_name", "relay_session")
	v.SetDefault("session.secure", true)
	v.SetDefault("session.rolling", false)
	v.SetDefault("session.csrf", false)

	v.SetDefault("debug.pprof_addr", "")
	v.SetDefault("debug.stats", false)
}

// Load reads the configuration. An explicit path must exist; otherwise
// relay.yaml is looked up in the working directory and is optional.
// RELAY_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	if c.App.BodyLimit < 0 {
		return fmt.Errorf("app.body_limit cannot be negative, got: %d", c.App.BodyLimit)
	}
	if c.App.RequestTimeout < 0 {
		return fmt.Errorf("app.request_timeout cannot be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of none, memory, redis, got: %s", c.Cache.Backend)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.RateLimit.RedisAddr == "" {
				return fmt.Errorf("rate_limit.redis_addr is required for the redis backend")
			}
		default:
			return fmt.Errorf("rate_limit.backend must be one of memory, redis, got: %s", c.RateLimit.Backend)
		}
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be greater than 0, got: %d", c.RateLimit.Limit)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be greater than 0")
		}
	}

	if c.Static.Root != "" {
		if !strings.HasPrefix(c.Static.Prefix, "/") {
			return fmt.Errorf("static.prefix must start with /, got: %q", c.Static.Prefix)
		}
		if c.Static.MaxAge < 0 {
			return fmt.Errorf("static.max_age cannot be negative")
		}
	}

	if c.Session.Enabled() {
		switch c.Session.Backend {
		case "memory":
		case "redis":
			if c.Session.RedisAddr == "" {
				return fmt.Errorf("session.redis_addr is required for the redis backend")
			}
		case "sqlite", "postgres":
			if c.Session.DSN == "" {
				return fmt.Errorf("session.dsn is required for the %s backend", c.Session.Backend)
			}
		default:
			return fmt.Errorf("session.backend must be one of none, memory, redis, sqlite, postgres, got: %s", c.Session.Backend)
		}
		if c.Session.TTL <= 0 {
			return fmt.Errorf("session.ttl must be greater than 0")
		}
		if c.Session.CookieName == "" {
			return fmt.Errorf("session.cookie_name is required")
		}
	}

	if addr := c.Debug.PprofAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("debug.pprof_addr: %w", err)
		}
		if addr == c.Server.Address() {
			return fmt.Errorf("debug.pprof_addr must differ from the server address")
		}
	}

	if len(c.Auth.Users) > 0 && !c.Auth.Enabled() {
		return fmt.Errorf("auth.users requires auth.jwt_secret")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d] needs a username and password_hash", i)
		}
	}

	if c.CORS.AllowCredentials {
		for _, origin := range c.CORS.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("cors.allow_credentials cannot be combined with the * origin")
			}
		}
	}
	return nil
}

// Build creates the zap logger described by the logging section
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
