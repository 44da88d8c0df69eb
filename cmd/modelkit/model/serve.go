package model

import (
	"errors"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/inference"
)

func NewServeCmd() *cobra.Command {
	options := inference.NewDefaultServerOptions()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve predictions of a saved model over http",
		Example: `
  modelkit model serve -m runs:/<run_id>/model --listen :8080
  curl -XPOST localhost:8080/invocations -H 'Content-Type: application/json' -d '{"inputs":[[1,2]]}'
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if options.ModelURI == "" {
				return errors.New("--model-uri is required")
			}
			ctx, cancel, err := config.BaseContext(config.Global)
			if err != nil {
				return err
			}
			defer cancel()
			resolver, closer, err := resolverFor(ctx, options.ModelURI)
			if err != nil {
				return err
			}
			defer closer()
			srv, err := inference.NewScoringServer(options, resolver)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&options.ModelURI, "model-uri", "m", options.ModelURI, "uri of the model served by default")
	flags.StringVar(&options.Listen, "listen", options.Listen, "listen address")
	flags.IntVar(&options.CacheSize, "cache-size", options.CacheSize, "number of loaded models kept in memory")
	flags.Int64Var(&options.MaxBodyBytes, "max-body-bytes", options.MaxBodyBytes, "max request body size")
	return cmd
}
