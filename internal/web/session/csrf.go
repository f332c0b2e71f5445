package session

import (
	"crypto/subtle"
	"net/http"

	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

const csrfTokenLength = 32

// CSRFConfig holds CSRF protection configuration
type CSRFConfig struct {
	// TokenHeader is the HTTP header name for CSRF token
	TokenHeader string
	// TokenField is the form field name for CSRF token
	TokenField string
	// SafeMethods are HTTP methods that don't require CSRF protection
	SafeMethods []string
	SkipPaths   []string
}

// DefaultCSRFConfig returns default CSRF configuration
func DefaultCSRFConfig() *CSRFConfig {
	return &CSRFConfig{
		TokenHeader: "X-CSRF-Token",
		TokenField:  "csrf_token",
		SafeMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace},
	}
}

type csrfGuard struct {
	config CSRFConfig
	safe   map[string]struct{}
	skip   map[string]struct{}
}

func newCSRFGuard(config CSRFConfig) *csrfGuard {
	g := &csrfGuard{
		config: config,
		safe:   make(map[string]struct{}, len(config.SafeMethods)),
		skip:   make(map[string]struct{}, len(config.SkipPaths)),
	}
	for _, method := range config.SafeMethods {
		g.safe[method] = struct{}{}
	}
	for _, path := range config.SkipPaths {
		g.skip[path] = struct{}{}
	}
	return g
}

// check runs in preHandler so form bodies are already parsed
func (g *csrfGuard) check(req *request.Request, reply *response.Reply) error {
	if _, ok := g.safe[req.Method]; ok {
		return nil
	}
	if _, ok := g.skip[req.Path]; ok {
		return nil
	}

	sess, ok := FromRequest(req)
	if !ok {
		return ErrNoSession
	}

	token := g.extract(req)
	if token == "" {
		return g.reject(reply, "csrf_token_missing", "CSRF token missing")
	}
	if !validateCSRFToken(token, sess.CSRFToken) {
		return g.reject(reply, "csrf_token_invalid", "CSRF token invalid")
	}
	return nil
}

func (g *csrfGuard) extract(req *request.Request) string {
	if token := req.GetHeader(g.config.TokenHeader); token != "" {
		return token
	}
	switch body := req.Body.(type) {
	case map[string]interface{}:
		if token, ok := body[g.config.TokenField].(string); ok {
			return token
		}
	case *request.Form:
		return body.Fields[g.config.TokenField]
	}
	return ""
}

func (g *csrfGuard) reject(reply *response.Reply, code, message string) error {
	if err := reply.Code(http.StatusForbidden); err != nil {
		return err
	}
	return reply.Send(response.NewHTTPError(http.StatusForbidden, message).WithCode(code).Body())
}

// CSRFToken returns the session's CSRF token, creating it on first use
func CSRFToken(req *request.Request) (string, error) {
	sess, ok := FromRequest(req)
	if !ok {
		return "", ErrNoSession
	}
	if sess.CSRFToken == "" {
		token, err := generateToken(csrfTokenLength)
		if err != nil {
			return "", err
		}
		sess.CSRFToken = token
		sess.modified = true
	}
	return sess.CSRFToken, nil
}

// validateCSRFToken compares in constant time
func validateCSRFToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
