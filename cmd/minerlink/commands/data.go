package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
)

func newReadCommand(opts *globalOptions) *cobra.Command {
	var (
		out   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "read <locator>",
		Short: "Read a resource and print or save it",
		Long: `Fetch a resource from the selected backend and decode it.

Locators are written as:
  - repositorylocation:/home/alice/data   repository path
  - git://project.git/data/scores         path in a versioned project
  - file:/tmp/scores.mlpk                 local file

Tables are printed as aligned columns, or as rows with --json. With --out
the resource is saved instead: .csv and .json files get those formats,
any other name receives the encoded container.`,
		Example: `  # Print a table from the repository
  minerlink read repositorylocation:/home/alice/data/scores

  # Save a table from a project as CSV
  minerlink read git://churn.git/data/scores --out scores.csv

  # Read from a local checkout
  minerlink read git://churn.git/data/scores --backend filesystem --json`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			loc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}
			store, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}

			data, err := store.Fetch(cmd.Context(), loc)
			if err != nil {
				return err
			}
			p, err := codec.Decode(data, 0)
			if err != nil {
				return err
			}
			log.Debug().Str("locator", loc.String()).Str("kind", p.Kind.String()).Int("bytes", len(data)).Msg("Fetched resource")

			if out != "" {
				return savePayload(out, p)
			}
			return printPayload(stdout(cmd), p, opts.jsonOutput, limit)
		}),
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "save to this file instead of printing")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows of a table to print (0 prints all)")

	return cmd
}

func newWriteCommand(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "write <locator> <file>",
		Short: "Store a local file as a resource",
		Long: `Encode a local file and store it at the locator, replacing what is there.

The file is read as a table (csv), an object (json), an already encoded
container or plain bytes. With the default format auto the choice follows
the content and the file extension.`,
		Example: `  # Store a CSV file as a table
  minerlink write repositorylocation:/home/alice/data/scores scores.csv

  # Store a JSON document as an object in a local checkout
  minerlink write git://churn.git/data/params params.json --backend filesystem

  # Store any file as bytes
  minerlink write repositorylocation:/home/alice/model.bin model.bin --format bytes`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			loc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}
			p, err := loadPayload(args[1], format)
			if err != nil {
				return err
			}
			data, err := codec.Encode(p)
			if err != nil {
				return err
			}
			store, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Store(cmd.Context(), loc, data); err != nil {
				return err
			}

			log.Info().Str("locator", loc.String()).Str("kind", p.Kind.String()).Int("bytes", len(data)).Msg("Stored resource")
			return nil
		}),
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatAuto, "input format: auto, csv, json, container or bytes")

	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list <locator>",
		Aliases: []string{"ls"},
		Short:   "List the children of a folder",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			loc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}
			store, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			children, err := store.List(cmd.Context(), loc)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				names := make([]string, len(children))
				for i, c := range children {
					names[i] = c.String()
				}
				return writeJSON(stdout(cmd), names)
			}
			for _, c := range children {
				fmt.Fprintln(stdout(cmd), c.String())
			}
			return nil
		}),
	}
	return cmd
}

func newDeleteCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <locator>...",
		Aliases: []string{"rm"},
		Short:   "Delete resources",
		Long:    `Delete resources from the selected backend. Missing resources are not an error.`,
		Args:    cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			store, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			del, ok := store.(backend.Deleter)
			if !ok {
				return errs.Newf(errs.KindInvalidArgument, "the %s backend cannot delete resources", store.Name())
			}
			for _, arg := range args {
				loc, err := locator.Parse(arg)
				if err != nil {
					return err
				}
				if err := del.Delete(cmd.Context(), loc); err != nil {
					return err
				}
				log.Info().Str("locator", loc.String()).Msg("Deleted resource")
			}
			return nil
		}),
	}
	return cmd
}
