package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"kubegems.io/modelkit/pkg/tracking"
)

func NewExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Create and list experiments",
	}
	cmd.AddCommand(NewExperimentCreateCmd())
	cmd.AddCommand(NewExperimentListCmd())
	return cmd
}

func NewExperimentCreateCmd() *cobra.Command {
	artifactLocation := ""
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "create an experiment",
		Example: `
  modelkit experiment create iris --artifact-location s3://bucket/iris
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("requires an experiment name")
			}
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				id, err := client.CreateExperiment(ctx, args[0], artifactLocation)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created experiment '%s' with id %s\n", args[0], id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&artifactLocation, "artifact-location", artifactLocation, "artifact root of the runs of the experiment")
	return cmd
}

func NewExperimentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "list experiments",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				experiments, err := client.ListExperiments(ctx)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"ID", "Name", "Artifact Location", "Stage"})
				for _, exp := range experiments {
					t.AppendRow(table.Row{exp.ExperimentID, exp.Name, exp.ArtifactLocation, exp.LifecycleStage})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}
