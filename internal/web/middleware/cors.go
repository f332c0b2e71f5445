package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// CORSPluginName is the registered name of the CORS plugin
const CORSPluginName = "relay-cors"

// CORSConfig holds configuration for the CORS plugin
type CORSConfig struct {
	// AllowedOrigins is a list of allowed origins. Use "*" for all origins.
	AllowedOrigins []string
	// AllowedMethods is a list of allowed HTTP methods
	AllowedMethods []string
	// AllowedHeaders is a list of allowed request headers
	AllowedHeaders []string
	// ExposedHeaders is a list of headers exposed to the client
	ExposedHeaders []string
	// AllowCredentials indicates whether credentials are allowed
	AllowCredentials bool
	// MaxAge indicates how long preflight results can be cached (in seconds)
	MaxAge int
}

// DefaultCORSConfig returns a default CORS configuration
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400, // 24 hours
	}
}

// CORS sets CORS headers in onRequest and answers preflight requests
// there, before routing to any OPTIONS handler
func CORS(config CORSConfig) Plugin {
	return Plugin{
		Meta: shared(CORSPluginName),
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			return s.AddNamedHook(hooks.OnRequest, hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
				return config.apply(req, reply)
			}).Named("cors"))
		},
	}
}

func (c CORSConfig) apply(req *request.Request, reply *response.Reply) error {
	origin := req.GetHeader("Origin")
	if origin == "" {
		return nil
	}
	allowed := isOriginAllowed(origin, c.AllowedOrigins)

	headers := map[string]string{}
	if allowed {
		headers["Access-Control-Allow-Origin"] = origin
		headers["Vary"] = "Origin"
		if c.AllowCredentials {
			headers["Access-Control-Allow-Credentials"] = "true"
		}
		if len(c.ExposedHeaders) > 0 {
			headers["Access-Control-Expose-Headers"] = strings.Join(c.ExposedHeaders, ", ")
		}
	}

	preflight := req.Method == http.MethodOptions && req.GetHeader("Access-Control-Request-Method") != ""
	if !preflight {
		return reply.Headers(headers)
	}

	if allowed {
		if len(c.AllowedMethods) > 0 {
			headers["Access-Control-Allow-Methods"] = strings.Join(c.AllowedMethods, ", ")
		}
		if len(c.AllowedHeaders) > 0 {
			headers["Access-Control-Allow-Headers"] = strings.Join(c.AllowedHeaders, ", ")
		}
		if c.MaxAge > 0 {
			headers["Access-Control-Max-Age"] = strconv.Itoa(c.MaxAge)
		}
	}
	if err := reply.Headers(headers); err != nil {
		return err
	}
	if err := reply.Code(http.StatusNoContent); err != nil {
		return err
	}
	return reply.Send(nil)
}

// isOriginAllowed checks if an origin is allowed
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		// *.example.com matches subdomains but not the domain itself
		if strings.HasPrefix(allowed, "*.") {
			if strings.HasSuffix(origin, "."+allowed[2:]) {
				return true
			}
		}
	}
	return false
}
