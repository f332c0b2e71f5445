package profiling

import (
	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// StatsPluginName identifies the runtime stats plugin
const StatsPluginName = "relay-runtime-stats"

var integer = map[string]interface{}{"type": "integer"}

// StatsSchema describes the runtime stats reply
var StatsSchema = serializer.Schema{
	"type": "object",
	"properties": map[string]interface{}{
		"goroutines": integer,
		"memory": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"alloc":       integer,
				"total_alloc": integer,
				"sys":         integer,
				"num_gc":      integer,
			},
		},
		"cpu": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"num_cpu":      integer,
				"num_cgo_call": integer,
			},
		},
	},
}

// StatsPlugin serves RuntimeStats as JSON at path
func StatsPlugin(path string) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{
			Name: StatsPluginName,
			Core: ">=1.0.0",
		},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			return s.Get(path, func(*request.Request, *response.Reply) (interface{}, error) {
				return RuntimeStats(), nil
			}, app.WithResponseSchema("200", StatsSchema))
		},
	}
}
