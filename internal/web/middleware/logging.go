package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// LoggingPluginName is the registered name of the access log plugin
const LoggingPluginName = "relay-access-log"

type startKey struct{}

// LoggingConfig holds configuration for the access log plugin
type LoggingConfig struct {
	// Logger receives one entry per response. Defaults to the scope logger.
	Logger *zap.Logger
	// SkipPaths is a list of paths to skip logging
	SkipPaths []string
	// Level is used for 1xx-3xx responses. 4xx log at Warn, 5xx at Error.
	Level zapcore.Level
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: zapcore.InfoLevel}
}

// Logging logs every completed request
func Logging(config LoggingConfig) Plugin {
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = struct{}{}
	}

	return Plugin{
		Meta: shared(LoggingPluginName),
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			logger := config.Logger
			if logger == nil {
				logger = s.Log()
			}
			logger = logger.Named("access")

			err := s.AddNamedHook(hooks.OnRequest, hooks.NewHook(func(req *request.Request, _ *response.Reply) error {
				req.SetContext(context.WithValue(req.Context(), startKey{}, time.Now()))
				return nil
			}).Named("access-log-start"))
			if err != nil {
				return err
			}

			return s.AddNamedHook(hooks.OnResponse, hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
				if _, ok := skip[req.Path]; ok {
					return nil
				}
				status := reply.StatusCode()
				fields := []zap.Field{
					zap.String("request_id", req.ID),
					zap.String("method", req.Method),
					zap.String("path", req.Path),
					zap.String("route", req.RoutePattern),
					zap.Int("status", status),
					zap.String("remote_addr", req.RemoteAddr),
					zap.String("user_agent", req.GetHeader("User-Agent")),
				}
				if size, ok := reply.Size(); ok {
					fields = append(fields, zap.Int("bytes", size))
				}
				if start, ok := req.Context().Value(startKey{}).(time.Time); ok {
					fields = append(fields, zap.Duration("duration", time.Since(start)))
				}

				if ce := logger.Check(levelFor(status, config.Level), "request completed"); ce != nil {
					ce.Write(fields...)
				}
				return nil
			}).Named("access-log"))
		},
	}
}

func levelFor(status int, base zapcore.Level) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return base
	}
}
