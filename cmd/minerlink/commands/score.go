package commands

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/webapi"
)

func newScoreCommand(opts *globalOptions) *cobra.Command {
	var (
		endpoint string
		macros   map[string]string
		out      string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "score <file>",
		Short: "Score a table with a deployed Web API endpoint",
		Long: `Send the rows of a table to a Web API endpoint and print the scored
table it returns. Endpoints are configured by name under webapi; the
server's credentials are used for them.`,
		Example: `  # Score a CSV file with the churn endpoint
  minerlink score customers.csv --endpoint churn

  # Pass macros and save the result
  minerlink score customers.csv -e churn --macro threshold=0.7 --out scored.csv`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			cfg, err := webapiConfig(a, endpoint)
			if err != nil {
				return err
			}
			p, err := loadPayload(args[0], formatAuto)
			if err != nil {
				return err
			}
			if p.Kind != payload.KindTabular {
				return errs.Newf(errs.KindInvalidArgument, "scoring needs a table, %s holds %s", args[0], p.Kind)
			}

			provider, err := a.cfg.Server.Auth.Provider()
			if err != nil {
				return err
			}
			client, err := webapi.New(cfg, provider, a.tel)
			if err != nil {
				return err
			}
			scored, err := client.Score(cmd.Context(), p.Table, macroValues(macros))
			if err != nil {
				return err
			}

			result := payload.Tabular(scored)
			if out != "" {
				return savePayload(out, result)
			}
			return printPayload(stdout(cmd), result, opts.jsonOutput, limit)
		}),
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "configured endpoint name (optional when only one is configured)")
	cmd.Flags().StringToStringVarP(&macros, "macro", "m", nil, "macro passed with the request (name=value)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "save the scored table to this file")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to print (0 prints all)")

	return cmd
}

// webapiConfig picks the named endpoint, or the only one configured.
func webapiConfig(a *app, name string) (webapi.Config, error) {
	endpoints := a.cfg.WebAPI
	if name != "" {
		cfg, ok := endpoints[name]
		if !ok {
			return webapi.Config{}, errs.Newf(errs.KindNotFound, "web api endpoint %q is not configured", name)
		}
		return cfg, nil
	}
	if len(endpoints) == 1 {
		for _, cfg := range endpoints {
			return cfg, nil
		}
	}
	names := make([]string, 0, len(endpoints))
	for n := range endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return webapi.Config{}, errs.New(errs.KindInvalidArgument, "no web api endpoint is configured")
	}
	return webapi.Config{}, errs.Newf(errs.KindInvalidArgument, "choose an endpoint with --endpoint: %s", strings.Join(names, ", "))
}
