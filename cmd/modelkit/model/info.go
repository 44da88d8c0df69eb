package model

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/models"
)

func NewInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <uri>",
		Short: "print the MLmodel descriptor of a model",
		Example: `
  modelkit model info ./model
  modelkit model info runs:/<run_id>/model
  modelkit model info s3://bucket/models/model.tar.gz
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one argument is required")
			}
			ctx, cancel, err := config.BaseContext(config.Global)
			if err != nil {
				return err
			}
			defer cancel()
			content, err := GetDescriptor(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(content))
			return nil
		},
	}
	return cmd
}

func GetDescriptor(ctx context.Context, uri string) ([]byte, error) {
	resolver, closer, err := resolverFor(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer closer()
	dir, err := artifacts.Download(ctx, uri, resolver)
	if err != nil {
		return nil, err
	}
	m, err := models.Load(filepath.Join(dir, models.MLmodelFileName))
	if err != nil {
		return nil, err
	}
	return m.ToYAML()
}
