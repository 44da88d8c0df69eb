// Package runs implements the commands working on a tracking store.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/tracking"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "List and inspect runs",
	}
	cmd.AddCommand(NewRunListCmd())
	cmd.AddCommand(NewRunGetCmd())
	return cmd
}

// withClient runs fn with a tracking client on the configured store.
func withClient(fn func(ctx context.Context, client *tracking.Client) error) error {
	ctx, cancel, err := config.BaseContext(config.Global)
	if err != nil {
		return err
	}
	defer cancel()
	client, err := config.NewClient(ctx, config.Global)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func NewRunListCmd() *cobra.Command {
	experimentID, status, maxResults := "", "", 100
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list runs of an experiment",
		Example: `
  modelkit run list --experiment-id 0
  modelkit run list --status FAILED
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tracking.SearchRunsOptions{Status: tracking.RunStatus(status), MaxResults: maxResults}
			if experimentID != "" {
				opts.ExperimentIDs = []string{experimentID}
			}
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				runs, err := client.SearchRuns(ctx, opts)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Run ID", "Name", "Status", "Start", "End"})
				for _, run := range runs {
					t.AppendRow(table.Row{
						run.Info.RunID,
						run.Info.RunName,
						run.Info.Status,
						formatMillis(run.Info.StartTime),
						formatMillis(run.Info.EndTime),
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&experimentID, "experiment-id", experimentID, "experiment of the runs, the default experiment when empty")
	cmd.Flags().StringVar(&status, "status", status, "only list runs with this status")
	cmd.Flags().IntVar(&maxResults, "max-results", maxResults, "max number of runs listed")
	return cmd
}

func NewRunGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "get <run_id>",
		Short:        "show info, params, metrics and tags of a run",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("requires a run id")
			}
			return withClient(func(ctx context.Context, client *tracking.Client) error {
				run, err := client.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Kind", "Key", "Value"})
				t.AppendRows([]table.Row{
					{"info", "run_id", run.Info.RunID},
					{"info", "experiment_id", run.Info.ExperimentID},
					{"info", "status", run.Info.Status},
					{"info", "start_time", formatMillis(run.Info.StartTime)},
					{"info", "end_time", formatMillis(run.Info.EndTime)},
					{"info", "artifact_uri", run.Info.ArtifactURI},
				})
				appendSorted(t, "param", run.Data.ParamsMap())
				metrics := map[string]string{}
				for k, v := range run.Data.MetricsMap() {
					metrics[k] = fmt.Sprint(v)
				}
				appendSorted(t, "metric", metrics)
				tags := run.Data.TagsMap()
				// the logged model history is a json document, shown by model info instead
				delete(tags, tracking.TagLoggedModels)
				appendSorted(t, "tag", tags)
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func appendSorted(t table.Writer, kind string, values map[string]string) {
	keys := maps.Keys(values)
	slices.Sort(keys)
	for _, k := range keys {
		t.AppendRow(table.Row{kind, k, values[k]})
	}
}
