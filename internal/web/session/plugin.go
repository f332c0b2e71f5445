package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
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
	// PluginName identifies the session plugin
	PluginName = "relay-session"
	// Decorator is the request decoration holding the *Session
	Decorator = "session"
)

// saveTimeout bounds the store write made after the reply is sent
const saveTimeout = 5 * time.Second

// ErrNoSession is returned by helpers used on a request the plugin did
// not see
var ErrNoSession = errors.New("no session on request")

// Config holds session configuration
type Config struct {
	Store        Store
	CookieName   string
	CookiePath   string
	CookieDomain string
	// TTL is both the store TTL and the cookie Max-Age
	TTL      time.Duration
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
	// Rolling extends the TTL of unmodified sessions on every request
	Rolling bool
	// CSRF enables token checks on unsafe methods when set
	CSRF *CSRFConfig
}

// DefaultConfig returns default session configuration
func DefaultConfig(store Store) Config {
	return Config{
		Store:      store,
		CookieName: "relay_session",
		CookiePath: "/",
		TTL:        7 * 24 * time.Hour,
		HTTPOnly:   true,
		Secure:     true,
		SameSite:   http.SameSiteLaxMode,
	}
}

type manager struct {
	config Config
}

// Plugin attaches a session to every request of the scope. Sessions are
// loaded in onRequest and written back in onSend when modified. A new
// session gets its cookie immediately but is only stored once modified.
func Plugin(config Config) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{
			Name:   PluginName,
			Core:   ">=1.0.0",
			Shared: true,
		},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			if config.Store == nil {
				return fmt.Errorf("session plugin requires a store")
			}
			if config.CookieName == "" {
				return fmt.Errorf("session plugin requires a cookie name")
			}
			if config.TTL <= 0 {
				return fmt.Errorf("session ttl must be greater than 0")
			}
			m := &manager{config: config}

			if err := s.DecorateRequest(Decorator, nil); err != nil {
				return err
			}
			if err := s.AddNamedHook(hooks.OnRequest, hooks.NewHook(m.load).Named("session-load")); err != nil {
				return err
			}
			if config.CSRF != nil {
				csrf := newCSRFGuard(*config.CSRF)
				if err := s.AddNamedHook(hooks.PreHandler, hooks.NewHook(csrf.check).Named("csrf")); err != nil {
					return err
				}
			}
			return s.AddNamedHook(hooks.OnSend, hooks.NewPayloadHook(m.save).Named("session-save"))
		},
	}
}

func (m *manager) load(req *request.Request, reply *response.Reply) error {
	var sess *Session
	if id := cookieValue(req.Header, m.config.CookieName); id != "" {
		loaded, err := m.config.Store.Get(req.Context(), id)
		switch {
		case err == nil:
			sess = loaded
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		default:
			req.Log().Warn("session load failed", zap.Error(err))
		}
	}

	if sess == nil {
		id, err := generateID()
		if err != nil {
			return fmt.Errorf("generate session id: %w", err)
		}
		sess = NewSession(id, m.config.TTL)
		sess.fresh = true
		if err := reply.SetCookie(m.cookie(id)); err != nil {
			return err
		}
	}
	sess.manager = m
	return req.Set(Decorator, sess)
}

func (m *manager) save(req *request.Request, _ *response.Reply, payload interface{}) (interface{}, error) {
	sess, ok := FromRequest(req)
	if !ok || sess.destroyed {
		return payload, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), saveTimeout)
	defer cancel()

	var err error
	switch {
	case sess.modified:
		sess.ExpiresAt = time.Now().UTC().Add(m.config.TTL)
		err = m.config.Store.Set(ctx, sess.ID, sess, m.config.TTL)
	case m.config.Rolling && !sess.fresh:
		err = m.config.Store.Refresh(ctx, sess.ID, m.config.TTL)
	}
	if err != nil {
		req.Log().Warn("session save failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return payload, nil
}

func (m *manager) cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     m.config.CookieName,
		Value:    id,
		Path:     m.config.CookiePath,
		Domain:   m.config.CookieDomain,
		MaxAge:   int(m.config.TTL.Seconds()),
		HttpOnly: m.config.HTTPOnly,
		Secure:   m.config.Secure,
		SameSite: m.config.SameSite,
	}
}

// FromRequest returns the session attached by the plugin
func FromRequest(req *request.Request) (*Session, bool) {
	value, ok := req.Decoration(Decorator)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*Session)
	return sess, ok && sess != nil
}

// Regenerate moves the session to a new ID and cookie, keeping its data.
// Call it after login.
func Regenerate(req *request.Request, reply *response.Reply) error {
	sess, ok := FromRequest(req)
	if !ok || sess.manager == nil {
		return ErrNoSession
	}
	m := sess.manager

	id, err := generateID()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	if !sess.fresh {
		if err := m.config.Store.Delete(req.Context(), sess.ID); err != nil {
			return err
		}
	}
	if sess.CSRFToken != "" {
		if sess.CSRFToken, err = generateToken(csrfTokenLength); err != nil {
			return err
		}
	}
	sess.ID = id
	sess.fresh = true
	sess.modified = true
	return reply.SetCookie(m.cookie(id))
}

// Destroy removes the session from the store and expires the cookie
func Destroy(req *request.Request, reply *response.Reply) error {
	sess, ok := FromRequest(req)
	if !ok || sess.manager == nil {
		return ErrNoSession
	}
	m := sess.manager

	if err := m.config.Store.Delete(req.Context(), sess.ID); err != nil {
		return err
	}
	sess.destroyed = true

	expired := m.cookie("")
	expired.MaxAge = -1
	return reply.SetCookie(expired)
}

func cookieValue(header http.Header, name string) string {
	for _, line := range header.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			if c.Name == name {
				return c.Value
			}
		}
	}
	return ""
}

// HasCookie reports whether a request carries the named session cookie
func HasCookie(name string) func(req *request.Request) bool {
	return func(req *request.Request) bool {
		return cookieValue(req.Header, name) != ""
	}
}

func generateID() (string, error) {
	return generateToken(32)
}

func generateToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
