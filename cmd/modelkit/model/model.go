package model

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/artifacts"
	_ "kubegems.io/modelkit/pkg/flavors/estimator"
	_ "kubegems.io/modelkit/pkg/flavors/explainer"
	_ "kubegems.io/modelkit/pkg/flavors/network"
)

func NewModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect, serve and pack saved models",
	}
	cmd.AddCommand(NewInfoCmd())
	cmd.AddCommand(NewPredictCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPackCmd())
	return cmd
}

// resolverFor opens the tracking store only for runs:/ uris.
func resolverFor(ctx context.Context, uri string) (artifacts.RunResolver, func(), error) {
	if !strings.HasPrefix(uri, artifacts.SchemeRuns+":") {
		return nil, func() {}, nil
	}
	client, err := config.NewClient(ctx, config.Global)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}
