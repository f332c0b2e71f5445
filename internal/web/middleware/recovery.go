package middleware

import (
	"errors"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// RecoveryPluginName is the registered name of the error logging plugin
const RecoveryPluginName = "relay-recovery"

// RecoveryConfig holds configuration for the error logging plugin
type RecoveryConfig struct {
	// Logger defaults to the scope logger
	Logger *zap.Logger
	// LogClientErrors also logs 4xx failures, at Warn
	LogClientErrors bool
}

// DefaultRecoveryConfig returns the default recovery configuration
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{}
}

// Recovery logs handler and hook failures from onError. Server errors are
// logged at Error with their cause; client errors only when configured.
func Recovery(config RecoveryConfig) Plugin {
	return Plugin{
		Meta: shared(RecoveryPluginName),
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			logger := config.Logger
			if logger == nil {
				logger = s.Log()
			}
			logger = logger.Named("recovery")

			return s.AddErrorHook(func(req *request.Request, _ *response.Reply, err error) error {
				status := response.StatusOf(err)
				fields := []zap.Field{
					zap.String("request_id", req.ID),
					zap.String("method", req.Method),
					zap.String("path", req.Path),
					zap.Int("status", status),
					zap.Error(err),
				}
				if cause := errors.Unwrap(err); cause != nil {
					fields = append(fields, zap.NamedError("cause", cause))
				}

				switch {
				case status >= 500:
					logger.Error("request failed", fields...)
				case config.LogClientErrors:
					logger.Warn("request rejected", fields...)
				}
				return nil
			})
		},
	}
}
