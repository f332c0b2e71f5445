package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/config"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configFile string
	noColor    bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "relay HTTP application server",
		Long: color.CyanString(`relay - a small hook-driven HTTP framework

relay serves applications assembled from routes, lifecycle hooks,
decorators and plugins. Configuration is read from relay.yaml and
RELAY_* environment variables.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (default ./relay.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewServeCommand(flags))
	rootCmd.AddCommand(NewRoutesCommand(flags))
	rootCmd.AddCommand(NewConfigCommand(flags))
	rootCmd.AddCommand(NewHashPasswordCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the relay version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			out := cmd.OutOrStdout()
			titleColor := color.New(color.FgCyan, color.Bold)

			titleColor.Fprint(out, "relay version: ")
			fmt.Fprintln(out, Version)
			titleColor.Fprint(out, "Git commit: ")
			fmt.Fprintln(out, GitCommit)
			titleColor.Fprint(out, "Build date: ")
			fmt.Fprintln(out, BuildDate)
			titleColor.Fprint(out, "Go version: ")
			fmt.Fprintln(out, goVer)
		},
	}
}

// loadConfig reads the configuration selected by the global flags
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// quietLogger is used by commands that only inspect the application
func quietLogger() *zap.Logger {
	return zap.NewNop()
}

// Execute runs the root command
func Execute() error {
	return execute(NewRootCommand())
}

func execute(rootCmd *cobra.Command) error {
	if err := rootCmd.Execute(); err != nil {
		writeErr(rootCmd.ErrOrStderr(), err)
		return err
	}
	return nil
}

func writeErr(w io.Writer, err error) {
	errorColor := color.New(color.FgRed, color.Bold)
	errorColor.Fprintf(w, "Error: %v\n", err)
}
