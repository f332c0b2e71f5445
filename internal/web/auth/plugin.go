package auth

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

const (
	// PluginName is the registered name of the JWT plugin
	PluginName = "relay-jwt"
	// UserDecorator is the request decoration holding *Claims
	UserDecorator = "user"
)

// PluginConfig configures the JWT plugin
type PluginConfig struct {
	Service *Service
	// SkipPaths are reachable without a token
	SkipPaths []string
	// Realm is reported in WWW-Authenticate
	Realm string
	// Routes registers the protected routes in the plugin's own scope.
	// When nil the plugin is shared and protects every route of the scope
	// it is registered on.
	Routes func(s *app.Scope) error
}

// Plugin authenticates bearer tokens in onRequest, before the body is
// read. Requests without a valid token are answered with 401 there;
// accepted claims are exposed through the user request decoration.
func Plugin(config PluginConfig) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{
			Name:   PluginName,
			Core:   ">=1.0.0",
			Shared: config.Routes == nil,
		},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			if config.Service == nil {
				return fmt.Errorf("jwt plugin requires a token service")
			}
			a := &authenticator{config: config, skip: make(map[string]struct{})}
			if a.config.Realm == "" {
				a.config.Realm = "relay"
			}
			for _, path := range config.SkipPaths {
				a.skip[path] = struct{}{}
			}

			if err := s.DecorateRequest(UserDecorator, nil); err != nil {
				return err
			}
			if err := s.AddNamedHook(hooks.OnRequest, hooks.NewHook(a.authenticate).Named("jwt")); err != nil {
				return err
			}
			if config.Routes != nil {
				return config.Routes(s)
			}
			return nil
		},
	}
}

type authenticator struct {
	config PluginConfig
	skip   map[string]struct{}
}

func (a *authenticator) authenticate(req *request.Request, reply *response.Reply) error {
	if _, ok := a.skip[req.Path]; ok {
		return nil
	}

	token, ok := bearerToken(req.GetHeader("Authorization"))
	if !ok {
		return a.reject(reply, "authorization_required", "Authorization required", "")
	}

	claims, err := a.config.Service.ValidateToken(token)
	if err != nil {
		req.Log().Debug("rejected bearer token", zap.Error(err))
		return a.reject(reply, "invalid_token", "Invalid token", "invalid_token")
	}
	return req.Set(UserDecorator, claims)
}

// reject sends a 401, which ends the request-phase hooks
func (a *authenticator) reject(reply *response.Reply, code, message, bearerError string) error {
	challenge := fmt.Sprintf("Bearer realm=%q", a.config.Realm)
	if bearerError != "" {
		challenge += fmt.Sprintf(", error=%q", bearerError)
	}
	if err := reply.Header("WWW-Authenticate", challenge); err != nil {
		return err
	}
	if err := reply.Code(http.StatusUnauthorized); err != nil {
		return err
	}
	return reply.Send(response.NewHTTPError(http.StatusUnauthorized, message).WithCode(code).Body())
}

// bearerToken extracts the token of a "Bearer <token>" header
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// CurrentUser returns the claims attached by the plugin, if any
func CurrentUser(req *request.Request) (*Claims, bool) {
	value, ok := req.Decoration(UserDecorator)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
