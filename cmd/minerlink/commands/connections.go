package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/connections"
	"github.com/minerlink/minerlink/pkg/errs"
)

// connectionOptions are shared by the connections subcommands.
type connectionOptions struct {
	project string
	macros  map[string]string
}

func newConnectionsCommand(opts *globalOptions) *cobra.Command {
	copts := &connectionOptions{}

	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Inspect the connections of a project",
		Long: `List connections and resolve their field values.

Connections are read from connections.root (a local project checkout) when
it is set, otherwise from the project on the configured server. Encrypted
and vault values are resolved through the server. Macro injected values
come from --macro.`,
	}

	cmd.PersistentFlags().StringVarP(&copts.project, "project", "p", "", "project name (default from config)")
	cmd.PersistentFlags().StringToStringVarP(&copts.macros, "macro", "m", nil, "value for macro injected fields (name=value)")

	cmd.AddCommand(newConnectionsListCommand(opts, copts))
	cmd.AddCommand(newConnectionsShowCommand(opts, copts))
	cmd.AddCommand(newConnectionsFindCommand(opts, copts))
	cmd.AddCommand(newConnectionsWatchCommand(opts, copts))

	return cmd
}

func (c *connectionOptions) projectName(a *app) string {
	if c.project != "" {
		return c.project
	}
	return a.cfg.Connections.Project
}

// catalog opens the local catalog, or fetches the project's definitions
// from the server.
func (c *connectionOptions) catalog(ctx context.Context, a *app) (*connections.Catalog, error) {
	cfg := a.cfg.Connections
	project := c.projectName(a)
	if cfg.Root != "" {
		return connections.Open(cfg.Root, connections.Options{Project: project, ShowGroups: cfg.ShowGroups}, a.tel.Logger)
	}
	if project == "" {
		return nil, errs.New(errs.KindInvalidArgument, "set connections.root or a project name")
	}
	rb, err := a.remoteBackend()
	if err != nil {
		return nil, err
	}
	defs, err := rb.Connections(ctx, project)
	if err != nil {
		return nil, err
	}
	return connections.FromDefinitions(project, defs, cfg.ShowGroups), nil
}

// resolver resolves through the server when one is configured. Without it
// only plain and macro values resolve.
func (c *connectionOptions) resolver(a *app) (*connections.Resolver, error) {
	var keys connections.KeyService
	if a.cfg.Server.Configured() {
		rb, err := a.remoteBackend()
		if err != nil {
			return nil, err
		}
		keys = rb
	}
	return connections.NewResolver(c.projectName(a), keys, connections.MacroMap(c.macros), a.tel), nil
}

func newConnectionsListCommand(opts *globalOptions, copts *connectionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			cat, err := copts.catalog(cmd.Context(), a)
			if err != nil {
				return err
			}

			type entry struct {
				Name string `json:"name"`
				Type string `json:"type"`
				Path string `json:"path,omitempty"`
			}
			var entries []entry
			for _, c := range cat.List() {
				entries = append(entries, entry{Name: c.Name(), Type: c.Type(), Path: c.Path()})
			}
			if opts.jsonOutput {
				return writeJSON(stdout(cmd), entries)
			}

			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Type, e.Path)
			}
			return tw.Flush()
		}),
	}
}

// fieldView is a field as printed. Value is nil while unresolved.
type fieldView struct {
	Key       string  `json:"key"`
	Group     string  `json:"group"`
	Value     *string `json:"value"`
	Source    string  `json:"source,omitempty"`
	Encrypted bool    `json:"encrypted,omitempty"`
	Injector  string  `json:"injector,omitempty"`
}

func newConnectionsShowCommand(opts *globalOptions, copts *connectionOptions) *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show the fields of a connection",
		Long: `Show the enabled fields of a connection. Encrypted and injected values
are hidden unless --resolve is given.`,
		Example: `  minerlink connections show warehouse
  minerlink connections show warehouse --resolve --macro schema=analytics`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			cat, err := copts.catalog(cmd.Context(), a)
			if err != nil {
				return err
			}
			conn, err := cat.Get(args[0])
			if err != nil {
				return err
			}

			views := make([]fieldView, 0, len(conn.Fields()))
			for _, f := range conn.Fields() {
				v := fieldView{Key: f.Key, Group: f.Group, Encrypted: f.Encrypted, Injector: f.Injector}
				if !f.Encrypted && f.Injector == "" {
					value := f.Value
					v.Value = &value
				}
				views = append(views, v)
			}
			if resolve {
				r, err := copts.resolver(a)
				if err != nil {
					return err
				}
				resolved, err := r.Values(cmd.Context(), conn)
				if err != nil {
					return err
				}
				for i, res := range resolved {
					views[i].Value = res.Value
					views[i].Source = res.Source.String()
				}
			}

			if opts.jsonOutput {
				return writeJSON(stdout(cmd), views)
			}
			w := stdout(cmd)
			fmt.Fprintf(w, "Connection: %s (%s)\n", conn.Name(), conn.Type())
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Key, displayValue(v), v.Source)
			}
			return tw.Flush()
		}),
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve encrypted, vault and macro values")

	return cmd
}

func displayValue(v fieldView) string {
	switch {
	case v.Value != nil:
		return *v.Value
	case v.Encrypted:
		return "<encrypted>"
	case v.Injector != "":
		return "<" + v.Injector + ">"
	}
	return "<none>"
}

func newConnectionsFindCommand(opts *globalOptions, copts *connectionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "find <name> <word>...",
		Short: "Resolve the first field whose key contains one of the words",
		Example: `  # Print the user name of a connection
  minerlink connections find warehouse user

  # Print the password, trying "password" before "secret"
  minerlink connections find warehouse password secret`,
		Args: cobra.MinimumNArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			cat, err := copts.catalog(cmd.Context(), a)
			if err != nil {
				return err
			}
			conn, err := cat.Get(args[0])
			if err != nil {
				return err
			}
			r, err := copts.resolver(a)
			if err != nil {
				return err
			}
			res, err := r.FindFirst(cmd.Context(), conn, args[1:]...)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(stdout(cmd), fieldView{Key: res.Key, Value: res.Value, Source: res.Source.String()})
			}
			fmt.Fprintln(stdout(cmd), res.String())
			return nil
		}),
	}
}

func newConnectionsWatchCommand(opts *globalOptions, copts *connectionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the connection names whenever the local catalog changes",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			if a.cfg.Connections.Root == "" {
				return errs.New(errs.KindInvalidArgument, "watching needs connections.root")
			}
			cat, err := copts.catalog(cmd.Context(), a)
			if err != nil {
				return err
			}

			w := stdout(cmd)
			fmt.Fprintln(w, strings.Join(cat.Names(), " "))
			err = cat.Watch(cmd.Context(), func(err error) {
				if err != nil {
					log.Warn().Err(err).Msg("Reload failed, keeping previous connections")
					return
				}
				fmt.Fprintln(w, strings.Join(cat.Names(), " "))
			})
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			return nil
		}),
	}
}
