package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/orchestrator"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/process"
	"github.com/minerlink/minerlink/pkg/webapi"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		inputs        []string
		inputFormat   string
		macros        map[string]string
		queue         string
		operator      string
		timeout       time.Duration
		outputs       int
		outDir        string
		strictCleanup bool
	)

	cmd := &cobra.Command{
		Use:   "run <process>",
		Short: "Run a process and print its results",
		Long: `Run a process on the batch or remote backend.

Each --input file is staged as a temporary resource and handed to the
process in order. Macros are passed as strings. The command waits for the
job to finish, decodes every result and removes the staged inputs and
results, whatever the outcome. Interrupting the command cancels the job.

Cleanup failures are reported as warnings unless --strict-cleanup is set
or the configuration says otherwise.`,
		Example: `  # Run a process on the configured server
  minerlink run repositorylocation:/home/alice/processes/score --input scores.csv

  # Run with macros on a queue and keep the results
  minerlink run git://churn.git/processes/train \
    --macro sample=0.3 --macro seed=42 --queue large --out-dir results/

  # Run with the local installation
  minerlink run file:/work/train.rmp --backend batch --timeout 10m`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			proc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}

			payloads := make([]payload.Payload, 0, len(inputs))
			for _, in := range inputs {
				p, err := loadPayload(in, inputFormat)
				if err != nil {
					return err
				}
				payloads = append(payloads, p)
			}

			exec, err := a.executor(cmd.Context())
			if err != nil {
				return err
			}
			orch, err := a.orchestrator(cmd.Context(), exec)
			if err != nil {
				return err
			}

			runOpts := orchestrator.RunOptions{
				Queue:    queue,
				Timeout:  timeout,
				Operator: operator,
				Outputs:  outputs,
			}
			if runOpts.Queue == "" && exec.Name() == backendRemote {
				runOpts.Queue = a.cfg.Server.Queue
			}
			if cmd.Flags().Changed("strict-cleanup") {
				ignore := !strictCleanup
				runOpts.IgnoreCleanupErrors = &ignore
			}

			res, err := orch.Run(cmd.Context(), proc, payloads, macroValues(macros), runOpts)
			if err != nil {
				return err
			}
			logger := log.With().Str("job", res.Job.ID).Logger()
			if res.CleanupErr != nil {
				logger.Warn().Err(res.CleanupErr).Msg("Cleanup incomplete, run 'minerlink journal sweep' to retry")
			}
			logger.Info().Int("outputs", res.Len()).Str("status", string(res.Job.Status)).Msg("Process finished")

			if outDir != "" {
				return saveOutputs(outDir, res.Outputs)
			}
			return printOutputs(cmd, opts, res.Outputs)
		}),
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "input file, staged in order (repeatable)")
	cmd.Flags().StringVar(&inputFormat, "input-format", formatAuto, "format of the input files")
	cmd.Flags().StringToStringVarP(&macros, "macro", "m", nil, "process macro (name=value)")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue to submit to")
	cmd.Flags().StringVar(&operator, "operator", "", "execute only this operator")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "cancel the job after this long")
	cmd.Flags().IntVar(&outputs, "outputs", 0, "number of results the process must deliver")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "save results to this directory")
	cmd.Flags().BoolVar(&strictCleanup, "strict-cleanup", false, "fail the command when cleanup fails")

	return cmd
}

func macroValues(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func saveOutputs(dir string, outputs []payload.Payload) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, p := range outputs {
		path := filepath.Join(dir, outputName(i, p))
		if err := savePayload(path, p); err != nil {
			return err
		}
		log.Info().Str("path", path).Str("kind", p.Kind.String()).Msg("Saved result")
	}
	return nil
}

func printOutputs(cmd *cobra.Command, opts *globalOptions, outputs []payload.Payload) error {
	if opts.jsonOutput {
		docs := make([]interface{}, len(outputs))
		for i, p := range outputs {
			switch p.Kind {
			case payload.KindTabular:
				docs[i] = webapi.TableRows(p.Table)
			case payload.KindNativeObject:
				docs[i] = p.Object
			default:
				docs[i] = p.Bytes
			}
		}
		return writeJSON(stdout(cmd), docs)
	}
	for i, p := range outputs {
		fmt.Fprintf(stdout(cmd), "== output %d (%s)\n", i, p.Kind)
		if err := printPayload(stdout(cmd), p, false, 20); err != nil {
			return err
		}
	}
	return nil
}

func newDescribeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <process>",
		Short: "Show the inputs, results and macros a process declares",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			loc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}
			def, err := processDefinition(cmd.Context(), a, loc)
			if err != nil {
				return err
			}
			decl, err := process.ParseDeclaration(def)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(stdout(cmd), decl)
			}
			w := stdout(cmd)
			fmt.Fprintf(w, "Process:  %s\n", loc)
			fmt.Fprintf(w, "Version:  %s\n", decl.Version)
			fmt.Fprintf(w, "Inputs:   %d\n", decl.Inputs)
			fmt.Fprintf(w, "Results:  %d\n", decl.Outputs)
			if len(decl.Macros) > 0 {
				fmt.Fprintln(w, "Macros:")
				for _, name := range decl.MacroNames() {
					fmt.Fprintf(w, "  %s = %s\n", name, decl.Macros[name])
				}
			}
			return nil
		}),
	}
	return cmd
}

// processDefinition reads the XML of a process. Local files are read
// directly; other locators go through the remote service when one is
// configured, or the filesystem backend, which also tries the process
// extension.
func processDefinition(ctx context.Context, a *app, loc locator.Locator) ([]byte, error) {
	if lf, ok := loc.(locator.LocalFile); ok {
		return os.ReadFile(lf.Path)
	}
	if a.storageName() == backendRemote {
		rb, err := a.remoteBackend()
		if err != nil {
			return nil, err
		}
		return rb.ProcessDefinition(ctx, loc)
	}
	fs, err := a.filesystem(ctx)
	if err != nil {
		return nil, err
	}
	return fs.Fetch(ctx, loc)
}
