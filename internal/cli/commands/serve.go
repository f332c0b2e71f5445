package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/bootstrap"
	"github.com/conduit-lang/relay/internal/web/profiling"
	"github.com/conduit-lang/relay/internal/web/server"
)

// NewServeCommand creates the serve command
func NewServeCommand(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the relay HTTP server with the configured plugins.

The server stops gracefully on SIGINT or SIGTERM, waiting up to
server.shutdown_timeout for in-flight requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.Logging.Build()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			relay, err := bootstrap.New(cmd.Context(), cfg, logger, bootstrap.WithVersion(Version))
			if err != nil {
				return err
			}

			srv, err := server.New(relay.App, relay.ServerConfig())
			if err != nil {
				_ = relay.Close()
				return err
			}

			shutdown := server.NewGracefulShutdown(srv, &server.ShutdownConfig{
				Timeout: cfg.Server.ShutdownTimeout,
				Logger:  logger,
			})
			shutdown.RegisterHook(func(context.Context) error {
				return relay.Close()
			})

			if addr := cfg.Debug.PprofAddr; addr != "" {
				pprofConfig := profiling.DefaultConfig()
				pprofConfig.Addr = addr
				pprofConfig.Logger = logger
				pprofServer, err := profiling.NewServer(pprofConfig)
				if err != nil {
					_ = relay.Close()
					return err
				}
				go func() {
					if err := pprofServer.Serve(); err != nil {
						logger.Error("profiling server failed", zap.Error(err))
					}
				}()
				shutdown.RegisterHook(pprofServer.Shutdown)
			}

			color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "relay listening on %s\n", cfg.Server.Address())
			logger.Info("starting server",
				zap.String("address", cfg.Server.Address()),
				zap.String("version", Version),
				zap.String("cache", cfg.Cache.Backend),
				zap.Bool("auth", cfg.Auth.Enabled()),
			)
			return shutdown.Start()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "override server.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}
