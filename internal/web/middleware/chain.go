package middleware

import (
	"fmt"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/plugin"
)

// Plugin pairs a plugin function with its registration metadata
type Plugin struct {
	Fn      app.PluginFunc
	Meta    plugin.Meta
	Options app.PluginOptions
}

// Install registers plugins on a scope in order and stops at the first
// failure
func Install(s *app.Scope, plugins ...Plugin) error {
	for _, p := range plugins {
		if err := s.Register(p.Fn, p.Options, p.Meta); err != nil {
			return fmt.Errorf("install %s: %w", p.Meta.Name, err)
		}
	}
	return nil
}

// shared builds metadata for a plugin whose hooks apply to the scope it
// is registered on
func shared(name string, deps ...string) plugin.Meta {
	return plugin.Meta{
		Name:         name,
		Core:         ">=1.0.0",
		Dependencies: deps,
		Shared:       true,
	}
}
