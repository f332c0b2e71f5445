package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/relay/internal/bootstrap"
	"github.com/conduit-lang/relay/internal/cli/ui"
	"github.com/conduit-lang/relay/internal/web/router"
)

// routeJSON is the --json shape of a route
type routeJSON struct {
	Method     string   `json:"method"`
	Pattern    string   `json:"pattern"`
	Parameters []string `json:"parameters"`
}

// NewRoutesCommand creates the routes command
func NewRoutesCommand(flags *globalFlags) *cobra.Command {
	var (
		asJSON bool
		match  string
	)

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes of the configured application",
		Long: `List every route the configured application serves.

With --match "METHOD /path" the path is resolved against the route table
and the matched pattern and captured parameters are printed.`,
		Example: `  relay routes
  relay routes --json
  relay routes --match "GET /api/me"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			relay, err := bootstrap.New(cmd.Context(), cfg, quietLogger())
			if err != nil {
				return err
			}
			defer func() { _ = relay.Close() }()

			if err := relay.App.Ready(); err != nil {
				return err
			}

			routes := relay.App.Routes()
			if match != "" {
				return resolveRoute(cmd, relay, routes, match, flags.noColor)
			}
			if asJSON {
				return writeRoutesJSON(cmd, routes)
			}

			table := ui.NewTable(cmd.OutOrStdout(), []string{"METHOD", "PATH", "PARAMS"}, &ui.TableOptions{NoColor: flags.noColor})
			table.Style(0, ui.MethodColor)
			for _, route := range routes {
				table.AddRow(route.Method, route.Pattern, strings.Join(route.Parameters, ", "))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output routes as JSON")
	cmd.Flags().StringVar(&match, "match", "", `resolve "METHOD /path" against the route table`)
	return cmd
}

func writeRoutesJSON(cmd *cobra.Command, routes []router.RouteInfo) error {
	out := make([]routeJSON, 0, len(routes))
	for _, route := range routes {
		params := route.Parameters
		if params == nil {
			params = []string{}
		}
		out = append(out, routeJSON{Method: route.Method, Pattern: route.Pattern, Parameters: params})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ErrNoRoute is returned by --match when nothing matches
var ErrNoRoute = errors.New("no matching route")

func resolveRoute(cmd *cobra.Command, relay *bootstrap.Relay, routes []router.RouteInfo, spec string, noColor bool) error {
	method, path, err := parseMatch(spec)
	if err != nil {
		return err
	}

	pattern, params, ok := relay.App.Lookup(method, path)
	if !ok {
		patterns := make([]string, 0, len(routes))
		for _, route := range routes {
			patterns = append(patterns, route.Pattern)
		}
		ui.WriteError(cmd.ErrOrStderr(), ui.ErrorOptions{
			Context:      "no route",
			Problem:      method + " " + path,
			Suggestions:  ui.FindSimilar(path, patterns, nil),
			HelpCommands: []string{"List routes: relay routes"},
			NoColor:      noColor,
		})
		return ErrNoRoute
	}

	kv := ui.NewKeyValueTable(cmd.OutOrStdout(), noColor)
	kv.AddRow("route", method+" "+pattern)
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kv.AddRow(name, params[name])
	}
	kv.Render()
	return nil
}

// parseMatch splits "METHOD /path"; a bare path means GET
func parseMatch(spec string) (string, string, error) {
	fields := strings.Fields(spec)
	switch len(fields) {
	case 1:
		fields = []string{http.MethodGet, fields[0]}
	case 2:
	default:
		return "", "", fmt.Errorf(`--match expects "METHOD /path", got %q`, spec)
	}
	if !strings.HasPrefix(fields[1], "/") {
		return "", "", fmt.Errorf("path must start with '/', got: %s", fields[1])
	}
	return strings.ToUpper(fields[0]), fields[1], nil
}
