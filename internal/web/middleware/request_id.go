package middleware

import (
	"github.com/google/uuid"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// RequestIDPluginName is the registered name of the request id plugin
const RequestIDPluginName = "relay-request-id"

// maxRequestIDLength bounds ids accepted from clients
const maxRequestIDLength = 128

// RequestIDConfig holds configuration for the request ID plugin
type RequestIDConfig struct {
	// HeaderName is the name of the header to read/write the request ID
	HeaderName string
	// Generator is a custom function to generate request IDs
	Generator func() string
	// TrustHeader reuses an id sent by the client
	TrustHeader bool
}

// DefaultRequestIDConfig returns the default request ID configuration
func DefaultRequestIDConfig() RequestIDConfig {
	return RequestIDConfig{
		HeaderName:  "X-Request-ID",
		Generator:   defaultRequestIDGenerator,
		TrustHeader: true,
	}
}

func (c RequestIDConfig) withDefaults() RequestIDConfig {
	if c.HeaderName == "" {
		c.HeaderName = "X-Request-ID"
	}
	if c.Generator == nil {
		c.Generator = defaultRequestIDGenerator
	}
	return c
}

// RequestIDGenerator returns an id generator for app.WithRequestIDGenerator.
// It reuses a well-formed client id when the config trusts the header and
// otherwise generates a new one.
func RequestIDGenerator(config RequestIDConfig) func(req *request.Request) string {
	config = config.withDefaults()
	return func(req *request.Request) string {
		if config.TrustHeader {
			if id := req.GetHeader(config.HeaderName); validRequestID(id) {
				return id
			}
		}
		return config.Generator()
	}
}

// RequestID echoes the request id in a response header
func RequestID(config RequestIDConfig) Plugin {
	config = config.withDefaults()
	return Plugin{
		Meta: shared(RequestIDPluginName),
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			return s.AddNamedHook(hooks.OnRequest, hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
				return reply.Header(config.HeaderName, req.ID)
			}).Named("request-id"))
		},
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// defaultRequestIDGenerator generates a UUID v4 request ID
func defaultRequestIDGenerator() string {
	return uuid.New().String()
}
