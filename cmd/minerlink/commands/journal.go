package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/journal"
)

func newJournalCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded jobs and sweep leftover temp resources",
		Long: `The journal records every job run with journal.enabled set, its status
transitions and the temp resources it staged. Resources whose cleanup
failed, or whose run was interrupted, stay recorded until a sweep deletes
them.`,
	}

	cmd.AddCommand(newJournalListCommand(opts))
	cmd.AddCommand(newJournalShowCommand(opts))
	cmd.AddCommand(newJournalSweepCommand(opts))

	return cmd
}

func newJournalListCommand(opts *globalOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			st := backend.JobStatus(status)
			if st != "" && !st.Valid() {
				return errs.Newf(errs.KindInvalidArgument, "unknown job status %q", status)
			}
			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := j.Jobs(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(stdout(cmd), jobs)
			}
			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tBACKEND\tSTATUS\tPROCESS\tUPDATED")
			for _, r := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Backend, r.Status, r.Process, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}

	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of jobs")

	return cmd
}

func newJournalShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its transitions and temp resources",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			job, err := j.Job(ctx, args[0])
			if err != nil {
				return err
			}
			transitions, err := j.Transitions(ctx, job.ID)
			if err != nil {
				return err
			}
			temps, err := j.Temps(ctx, job.ID)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(stdout(cmd), map[string]interface{}{
					"job":         job,
					"transitions": transitions,
					"temps":       temps,
				})
			}

			w := stdout(cmd)
			fmt.Fprintf(w, "Job:        %s\n", job.ID)
			if job.RemoteID != "" {
				fmt.Fprintf(w, "Remote ID:  %s\n", job.RemoteID)
			}
			fmt.Fprintf(w, "Backend:    %s\n", job.Backend)
			fmt.Fprintf(w, "Process:    %s\n", job.Process)
			fmt.Fprintf(w, "Status:     %s\n", job.Status)
			if job.Diagnostic != "" {
				fmt.Fprintf(w, "Diagnostic: %s\n", job.Diagnostic)
			}
			for _, t := range transitions {
				from := t[0]
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(w, "  %s -> %s\n", from, t[1])
			}
			if len(temps) > 0 {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TEMP\tSTATE\tATTEMPTS\tERROR")
				for _, t := range temps {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Locator, t.State, t.Attempts, t.Error)
				}
				return tw.Flush()
			}
			return nil
		}),
	}
}

func newJournalSweepCommand(opts *globalOptions) *cobra.Command {
	var (
		dryRun     bool
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete temp resources left behind by failed cleanups",
		Long: `Delete the temp resources the journal still lists as staged or failed.
Staged resources are only swept once they are older than --stale-after,
so runs in progress keep their data. Resources of backends that cannot be
built from the configuration are skipped.`,
		Example: `  # See what would be deleted
  minerlink journal sweep --dry-run

  # Delete everything left behind for more than an hour
  minerlink journal sweep --stale-after 1h`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			report, err := j.Sweep(cmd.Context(), a.deleters(cmd.Context()), journal.SweepOptions{
				StaleAfter: staleAfter,
				DryRun:     dryRun,
			})
			if err != nil {
				return err
			}

			failed := make([]string, 0, len(report.Failed))
			for loc := range report.Failed {
				failed = append(failed, loc)
			}
			sort.Strings(failed)
			for _, loc := range failed {
				log.Warn().Err(report.Failed[loc]).Str("locator", loc).Msg("Sweep failed")
			}

			if opts.jsonOutput {
				failures := make(map[string]string, len(report.Failed))
				for loc, err := range report.Failed {
					failures[loc] = err.Error()
				}
				return writeJSON(stdout(cmd), map[string]interface{}{
					"deleted": report.Deleted,
					"failed":  failures,
					"skipped": report.Skipped,
					"dry_run": dryRun,
				})
			}

			verb := "Deleted"
			if dryRun {
				verb = "Would delete"
			}
			w := stdout(cmd)
			for _, loc := range report.Deleted {
				fmt.Fprintf(w, "%s %s\n", verb, loc)
			}
			for _, loc := range report.Skipped {
				fmt.Fprintf(w, "Skipped %s\n", loc)
			}
			fmt.Fprintf(w, "%d deleted, %d failed, %d skipped\n", len(report.Deleted), len(report.Failed), len(report.Skipped))
			if len(report.Failed) > 0 {
				return errs.Newf(errs.KindCleanupFailed, "%d temp resources could not be deleted", len(report.Failed))
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 24*time.Hour, "age after which a staged resource counts as abandoned")

	return cmd
}
