package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/config"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]...",
		Short: "Validate configuration files",
		Long: `Validate configuration files against the configuration schema.

This command checks:
  - CUE and YAML syntax
  - Schema conformance, including unknown settings
  - Agreement between several unified sources
  - Field constraints after environment overrides

Without arguments the files given with --config are validated.`,
		Example: `  # Validate one file
  minerlink validate minerlink.cue

  # Validate a directory and an override file together
  minerlink validate ./config overrides.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = opts.configPaths
			}
			if len(paths) == 0 {
				return fmt.Errorf("no configuration to validate, pass a path or --config")
			}

			_, err := config.Load(paths...)
			var loadErr *config.LoadError
			if errors.As(err, &loadErr) {
				if opts.jsonOutput {
					return writeJSON(stdout(cmd), loadErr.Errors)
				}
				for _, e := range loadErr.Errors {
					fmt.Fprintln(stdout(cmd), e.String())
				}
				return fmt.Errorf("%d problems found", len(loadErr.Errors))
			}
			if err != nil {
				return err
			}

			log.Info().Strs("sources", paths).Msg("Configuration is valid")
			return nil
		},
	}
	return cmd
}
