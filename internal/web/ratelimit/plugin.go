package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// PluginName is the registered name of the rate limit plugin
const PluginName = "relay-rate-limit"

// KeyFunc identifies the client a request is counted against. An empty
// key exempts the request.
type KeyFunc func(req *request.Request) string

// PluginConfig configures the rate limit plugin
type PluginConfig struct {
	Limiter Limiter
	// Key defaults to ClientIP
	Key KeyFunc
	// SkipPaths are never limited
	SkipPaths []string
	// FailOpen lets requests through when the limiter errors. When false
	// the limiter error fails the request.
	FailOpen bool
}

// DefaultPluginConfig limits by client address and fails open
func DefaultPluginConfig(limiter Limiter) PluginConfig {
	return PluginConfig{
		Limiter:  limiter,
		Key:      ClientIP,
		FailOpen: true,
	}
}

// Plugin counts every request of the scope against its client's quota in
// onRequest. Refused requests get 429 with Retry-After before the body is
// read; every limited response carries the X-RateLimit-* headers.
func Plugin(config PluginConfig) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{
			Name:   PluginName,
			Core:   ">=1.0.0",
			Shared: true,
		},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			if config.Limiter == nil {
				return fmt.Errorf("rate limit plugin requires a limiter")
			}
			if config.Key == nil {
				config.Key = ClientIP
			}
			skip := make(map[string]struct{}, len(config.SkipPaths))
			for _, path := range config.SkipPaths {
				skip[path] = struct{}{}
			}

			return s.AddNamedHook(hooks.OnRequest, hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
				if _, ok := skip[req.Path]; ok {
					return nil
				}
				key := config.Key(req)
				if key == "" {
					return nil
				}

				info, err := config.Limiter.Allow(req.Context(), key)
				if err != nil {
					if config.FailOpen {
						req.Log().Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
						return nil
					}
					return fmt.Errorf("rate limit: %w", err)
				}

				if err := reply.Headers(info.Headers(time.Now())); err != nil {
					return err
				}
				if info.Allowed {
					return nil
				}

				req.Log().Debug("rate limit exceeded", zap.String("key", key))
				httpErr := response.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded").
					WithDetails(map[string]interface{}{"limit": info.Limit})
				if err := reply.Code(http.StatusTooManyRequests); err != nil {
					return err
				}
				return reply.Send(httpErr.Body())
			}).Named("rate-limit"))
		},
	}
}

// ClientIP keys requests by the host part of the remote address
func ClientIP(req *request.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// ForwardedClientIP prefers the first X-Forwarded-For address. Use it only
// behind a proxy that sets the header.
func ForwardedClientIP(req *request.Request) string {
	if forwarded := req.GetHeader("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return ClientIP(req)
}

// UserOrIP keys authenticated requests by user id, read through userID,
// and anonymous ones by client address
func UserOrIP(userID func(req *request.Request) (string, bool)) KeyFunc {
	return func(req *request.Request) string {
		if id, ok := userID(req); ok && id != "" {
			return "user:" + id
		}
		return "ip:" + ClientIP(req)
	}
}
