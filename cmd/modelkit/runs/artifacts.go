package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/units"
)

func NewArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List and download run artifacts",
	}
	cmd.AddCommand(NewArtifactsListCmd())
	cmd.AddCommand(NewArtifactsDownloadCmd())
	return cmd
}

func NewArtifactsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <run_id> [path]",
		Short: "list the artifacts of a run",
		Example: `
  modelkit artifacts list <run_id>
  modelkit artifacts list <run_id> model
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("requires a run id")
			}
			artifactPath := ""
			if len(args) > 1 {
				artifactPath = args[1]
			}
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				files, err := client.ListArtifacts(ctx, args[0], artifactPath)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Path", "Type", "Size", "Digest"})
				for _, f := range files {
					kind, size, short := "file", units.HumanSize(f.FileSize), f.Digest.String()
					if f.IsDir {
						kind, size = "directory", ""
					}
					if f.Digest != "" && len(f.Digest.Encoded()) > 16 {
						short = f.Digest.Encoded()[:16]
					}
					t.AppendRow(table.Row{f.Path, kind, size, short})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func NewArtifactsDownloadCmd() *cobra.Command {
	dst := "."
	cmd := &cobra.Command{
		Use:   "download <uri>",
		Short: "download artifacts of a run or a model uri",
		Example: `
  modelkit artifacts download runs:/<run_id>/model --dst ./model
  modelkit artifacts download s3://bucket/models/model.tar.gz
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("requires an artifact uri")
			}
			u, err := artifacts.ParseURI(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				var local string
				if u.Scheme == artifacts.SchemeRuns {
					local, err = client.DownloadArtifacts(ctx, u.RunID, u.Path, dst)
				} else {
					local, err = artifacts.Download(ctx, args[0], client)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), local)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dst, "dst", dst, "local directory run artifacts are downloaded into")
	return cmd
}
