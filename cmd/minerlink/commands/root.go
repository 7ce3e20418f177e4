package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPaths []string
	backend     string
	verbose     bool
	jsonOutput  bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "minerlink",
		Short: "minerlink - client for analytics platform repositories and jobs",
		Long: `minerlink reads and writes data in analytics platform repositories and
runs processes on a local installation or a remote server.

Features:
  - Tables, objects and byte streams in one container format
  - Filesystem (local or SFTP), batch and remote server backends
  - Process runs with staged inputs, macros and guaranteed cleanup
  - Connection catalog with vault and macro value resolution
  - Journal of jobs and temp resources with leftover sweeping
  - Scoring through deployed Web API endpoints`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&opts.configPaths, "config", "c", nil, "config file or directory (repeatable, unified)")
	rootCmd.PersistentFlags().StringVarP(&opts.backend, "backend", "b", "", "backend to use: filesystem, batch or remote (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReadCommand(opts))
	rootCmd.AddCommand(newWriteCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newDeleteCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newDescribeCommand(opts))
	rootCmd.AddCommand(newConnectionsCommand(opts))
	rootCmd.AddCommand(newQueuesCommand(opts))
	rootCmd.AddCommand(newProjectsCommand(opts))
	rootCmd.AddCommand(newScoreCommand(opts))
	rootCmd.AddCommand(newJournalCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))

	return rootCmd
}

// withApp wraps a command body with loading the configuration, an
// operation span and releasing whatever the body connected to.
func withApp(opts *globalOptions, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts)
		if err != nil {
			return err
		}
		defer a.close()

		op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()), cmd.CommandPath())
		cmd.SetContext(op.Ctx)
		err = fn(cmd, args, a)
		op.End(err)
		op.Logger.Debugf("finished in %s", op.Timer.Duration())
		return err
	}
}

func stdout(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
