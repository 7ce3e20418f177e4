package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueuesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List the job queues of the server",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			rb, err := a.remoteBackend()
			if err != nil {
				return err
			}
			queues, err := rb.Queues(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(stdout(cmd), queues)
			}
			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, q := range queues {
				fmt.Fprintf(tw, "%s\t%s\n", q.Name, q.Description)
			}
			return tw.Flush()
		}),
	}
}

func newProjectsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the versioned projects of the server",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			rb, err := a.remoteBackend()
			if err != nil {
				return err
			}
			projects, err := rb.Projects(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(stdout(cmd), projects)
			}
			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
			}
			return tw.Flush()
		}),
	}
}
