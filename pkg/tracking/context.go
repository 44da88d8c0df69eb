package tracking

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

const (
	EnvExperimentID   = "MODELKIT_EXPERIMENT_ID"
	EnvExperimentName = "MODELKIT_EXPERIMENT_NAME"
	EnvRunID          = "MODELKIT_RUN_ID"
)

// ActiveRun is a run started by StartRun and carried in a context.
// It is not safe for concurrent callers that start or end runs on the same context chain.
type ActiveRun struct {
	Client *Client
	Run    *Run
	Parent *ActiveRun

	ended bool
}

func (r *ActiveRun) ID() string {
	return r.Run.Info.RunID
}

type activeRunKey struct{}

// ActiveRunFromContext returns the innermost active run of ctx, nil when none.
func ActiveRunFromContext(ctx context.Context) *ActiveRun {
	for run, _ := ctx.Value(activeRunKey{}).(*ActiveRun); run != nil; run = run.Parent {
		if !run.ended {
			return run
		}
	}
	return nil
}

type StartRunOptions struct {
	// RunID resumes an existing run instead of creating one.
	RunID        string
	ExperimentID string
	RunName      string
	// Nested must be set to start a run while another one is active; it becomes the parent.
	Nested bool
	Tags   map[string]string
}

// StartRun creates (or resumes) a run and returns a context holding it as the active run.
func StartRun(ctx context.Context, client *Client, opts StartRunOptions) (context.Context, *ActiveRun, error) {
	log := logr.FromContextOrDiscard(ctx)
	parent := ActiveRunFromContext(ctx)
	if parent != nil && !opts.Nested {
		return ctx, nil, apierrors.NewInvalidStateError(fmt.Sprintf(
			"run with UUID %s is already active. To start a new run, first end the current run with EndRun(). To start a nested run, set Nested: true", parent.ID()))
	}
	if opts.RunID == "" {
		opts.RunID = os.Getenv(EnvRunID)
	}

	var run *Run
	if opts.RunID != "" {
		existing, err := client.GetRun(ctx, opts.RunID)
		if err != nil {
			return ctx, nil, err
		}
		if existing.Info.LifecycleStage != LifecycleStageActive {
			return ctx, nil, apierrors.NewInvalidStateError(fmt.Sprintf("cannot start run with ID %s because it is in the deleted state", opts.RunID))
		}
		if existing.Info.Status != RunStatusRunning {
			if _, err := client.Store.UpdateRunInfo(ctx, opts.RunID, RunStatusRunning, 0, ""); err != nil {
				return ctx, nil, err
			}
		}
		if len(opts.Tags) > 0 {
			if err := client.SetTags(ctx, opts.RunID, opts.Tags); err != nil {
				return ctx, nil, err
			}
		}
		if run, err = client.GetRun(ctx, opts.RunID); err != nil {
			return ctx, nil, err
		}
	} else {
		experimentID, err := resolveExperimentID(ctx, client, opts.ExperimentID)
		if err != nil {
			return ctx, nil, err
		}
		tags := ResolveContextTags()
		for k, v := range opts.Tags {
			tags[k] = v
		}
		if parent != nil {
			tags[TagParentRunID] = parent.ID()
		}
		created, err := client.CreateRun(ctx, experimentID, CreateRunOptions{
			RunName:   opts.RunName,
			UserID:    tags[TagUser],
			StartTime: NowMillis(),
			Tags:      TagsFromMap(tags),
		})
		if err != nil {
			return ctx, nil, err
		}
		run = created
	}
	active := &ActiveRun{Client: client, Run: run, Parent: parent}
	log.V(1).Info("run started", "run", active.ID(), "nested", parent != nil)
	return context.WithValue(ctx, activeRunKey{}, active), active, nil
}

// EndRun terminates the innermost active run of ctx with status, FINISHED when empty.
// The parent run, if any, becomes active again for contexts derived before the nested run.
func EndRun(ctx context.Context, status RunStatus) error {
	active := ActiveRunFromContext(ctx)
	if active == nil {
		return nil
	}
	return active.End(ctx, status)
}

func (r *ActiveRun) End(ctx context.Context, status RunStatus) error {
	if r.ended {
		return nil
	}
	if err := r.Client.SetTerminated(ctx, r.ID(), status, 0); err != nil {
		return err
	}
	r.ended = true
	return nil
}

func resolveExperimentID(ctx context.Context, client *Client, experimentID string) (string, error) {
	if experimentID != "" {
		return experimentID, nil
	}
	if id := os.Getenv(EnvExperimentID); id != "" {
		return id, nil
	}
	if name := os.Getenv(EnvExperimentName); name != "" {
		return client.GetOrCreateExperiment(ctx, name)
	}
	return DefaultExperimentID, nil
}
