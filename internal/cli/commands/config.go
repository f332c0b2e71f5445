package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/relay/internal/cli/ui"
	"github.com/conduit-lang/relay/internal/config"
)

// NewConfigCommand creates the config command
func NewConfigCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Print the configuration after defaults, relay.yaml and RELAY_* overrides are applied. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			renderConfig(cmd, cfg, flags.noColor)
			return nil
		},
	}
}

func renderConfig(cmd *cobra.Command, cfg *config.Config, noColor bool) {
	kv := ui.NewKeyValueTable(cmd.OutOrStdout(), noColor)
	kv.AddRow("server.address", cfg.Server.Address())
	kv.AddRow("server.read_timeout", cfg.Server.ReadTimeout.String())
	kv.AddRow("server.write_timeout", cfg.Server.WriteTimeout.String())
	kv.AddRow("server.shutdown_timeout", cfg.Server.ShutdownTimeout.String())
	kv.AddRow("server.compression", strconv.FormatBool(cfg.Server.Compression))
	kv.AddRow("app.body_limit", strconv.FormatInt(cfg.App.BodyLimit, 10))
	kv.AddRow("app.request_timeout", cfg.App.RequestTimeout.String())
	kv.AddRow("logging.level", cfg.Logging.Level)
	kv.AddRow("logging.development", strconv.FormatBool(cfg.Logging.Development))
	kv.AddRow("cache.backend", cfg.Cache.Backend)
	if cfg.Cache.Backend == "redis" {
		kv.AddRow("cache.redis_addr", cfg.Cache.RedisAddr)
	}
	kv.AddRow("cache.ttl", cfg.Cache.TTL.String())
	kv.AddRow("auth.jwt_secret", mask(cfg.Auth.JWTSecret))
	kv.AddRow("auth.users", strconv.Itoa(len(cfg.Auth.Users)))
	kv.AddRow("cors.allowed_origins", strings.Join(cfg.CORS.AllowedOrigins, ", "))
	kv.AddRow("rate_limit.enabled", strconv.FormatBool(cfg.RateLimit.Enabled))
	if cfg.RateLimit.Enabled {
		kv.AddRow("rate_limit.backend", cfg.RateLimit.Backend)
		kv.AddRow("rate_limit.quota", fmt.Sprintf("%d/%s", cfg.RateLimit.Limit, cfg.RateLimit.Window))
	}
	if cfg.Static.Root != "" {
		kv.AddRow("static.root", cfg.Static.Root)
		kv.AddRow("static.prefix", cfg.Static.Prefix)
	}
	kv.AddRow("session.backend", cfg.Session.Backend)
	if cfg.Session.Enabled() {
		kv.AddRow("session.ttl", cfg.Session.TTL.String())
		kv.AddRow("session.csrf", strconv.FormatBool(cfg.Session.CSRF))
	}
	kv.Render()
}

func mask(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	return "********"
}
