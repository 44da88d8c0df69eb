package tracking

import (
	"context"
	"fmt"

	"kubegems.io/modelkit/pkg/artifacts"
)

type CreateRunOptions struct {
	RunName   string
	UserID    string
	StartTime int64
	Tags      []RunTag
}

type SearchRunsOptions struct {
	ExperimentIDs []string
	// Tags filters runs whose tags contain every key value pair.
	Tags       map[string]string
	Status     RunStatus
	MaxResults int
	// include deleted runs
	IncludeDeleted bool
}

// Store persists experiments and runs.
type Store interface {
	CreateExperiment(ctx context.Context, name string, artifactLocation string, tags map[string]string) (string, error)
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]Experiment, error)

	CreateRun(ctx context.Context, experimentID string, opts CreateRunOptions) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64, runName string) (*RunInfo, error)
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error
	GetMetricHistory(ctx context.Context, runID string, key string) ([]Metric, error)
	SearchRuns(ctx context.Context, opts SearchRunsOptions) ([]Run, error)
	DeleteRun(ctx context.Context, runID string) error

	Close() error
}

// ExperimentArtifactLocation is the default artifact location of an experiment under root.
func ExperimentArtifactLocation(root string, experimentID string) (string, error) {
	u, err := artifacts.ParseURI(root)
	if err != nil {
		return "", fmt.Errorf("invalid artifact root %s: %w", root, err)
	}
	return u.Join(experimentID).String(), nil
}

// RunArtifactLocation is the artifact root of a run inside its experiment location.
func RunArtifactLocation(experimentLocation string, runID string) (string, error) {
	u, err := artifacts.ParseURI(experimentLocation)
	if err != nil {
		return "", fmt.Errorf("invalid experiment artifact location %s: %w", experimentLocation, err)
	}
	return u.Join(runID, "artifacts").String(), nil
}

// MatchRun reports whether run satisfies the filter of opts, ignoring experiment ids and limits.
func MatchRun(run *Run, opts SearchRunsOptions) bool {
	if !opts.IncludeDeleted && run.Info.LifecycleStage == LifecycleStageDeleted {
		return false
	}
	if opts.Status != "" && run.Info.Status != opts.Status {
		return false
	}
	if len(opts.Tags) > 0 {
		tags := run.Data.TagsMap()
		for k, v := range opts.Tags {
			if tags[k] != v {
				return false
			}
		}
	}
	return true
}
