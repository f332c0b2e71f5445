package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
	"github.com/conduit-lang/relay/internal/web/session"
)

// CSRFPath hands out the session's CSRF token when session.csrf is set
const CSRFPath = "/auth/csrf"

// drivers maps session backends to database/sql driver names
var drivers = map[string]string{
	"sqlite":   "sqlite3",
	"postgres": "pgx",
}

var csrfSchema = serializer.Schema{
	"type": "object",
	"properties": map[string]interface{}{
		"token": map[string]interface{}{"type": "string"},
	},
}

// WithSessionStore replaces the session backend selected by configuration
func WithSessionStore(store session.Store) Option {
	return func(r *Relay) {
		r.sessions = store
	}
}

func (r *Relay) openSessions(ctx context.Context) error {
	sc := r.Config.Session
	if r.sessions != nil || !sc.Enabled() {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch sc.Backend {
	case "memory":
		r.sessions = session.NewMemoryStore(sweepInterval)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", sc.RedisAddr, err)
		}
		r.sessions = session.NewRedisStore(client, session.DefaultRedisPrefix)
	case "sqlite", "postgres":
		db, err := sql.Open(drivers[sc.Backend], sc.DSN)
		if err != nil {
			return fmt.Errorf("failed to open %s session database: %w", sc.Backend, err)
		}
		if sc.Backend == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to %s session database: %w", sc.Backend, err)
		}

		dbConfig := session.DefaultDatabaseConfig(db)
		dbConfig.TableName = sc.Table
		dbConfig.Logger = r.Log
		store, err := session.NewDatabaseStore(pingCtx, dbConfig)
		if err != nil {
			_ = db.Close()
			return err
		}
		r.sessions = store
		r.sessionDB = db
	}
	return nil
}

func (r *Relay) sessionPlugin() session.Config {
	sc := r.Config.Session
	config := session.DefaultConfig(r.sessions)
	if sc.CookieName != "" {
		config.CookieName = sc.CookieName
	}
	if sc.TTL > 0 {
		config.TTL = sc.TTL
	}
	config.Secure = sc.Secure
	config.Rolling = sc.Rolling
	if sc.CSRF {
		csrf := session.DefaultCSRFConfig()
		csrf.SkipPaths = []string{TokenPath}
		config.CSRF = csrf
	}
	return config
}

func csrfToken(req *request.Request, _ *response.Reply) (interface{}, error) {
	token, err := session.CSRFToken(req)
	if err != nil {
		return nil, err
	}
	return map[string]string{"token": token}, nil
}

func (r *Relay) installCSRFRoute() error {
	return r.App.Get(CSRFPath, csrfToken, app.WithResponseSchema("200", csrfSchema))
}
