package autolog

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/flavors/estimator"
	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/tracking"
)

// Patch wraps the training calls of an integration with run management and logging.
type Patch struct {
	Integration Integration
	Client      *tracking.Client
	Config      Config
}

type sessionKey string

// InSession reports whether ctx comes from a training call already logged by the integration.
func InSession(ctx context.Context, name string) bool {
	return ctx.Value(sessionKey(name)) != nil
}

func (p *Patch) logger(ctx context.Context) logr.Logger {
	if p.Config.Silent {
		return logr.Discard()
	}
	return logr.FromContextOrDiscard(ctx).WithName("autolog").WithValues("integration", p.Integration.Name())
}

// Run logs the training done by train. Only the outermost call of a session is logged, training
// nested in it runs as is. A failing train ends a run created here as FAILED and is returned as is.
func (p *Patch) Run(ctx context.Context, args any, train func(ctx context.Context) error) error {
	name := p.Integration.Name()
	if p.Config.Disable || InSession(ctx, name) {
		return train(ctx)
	}
	ctx = context.WithValue(ctx, sessionKey(name), struct{}{})
	log := p.logger(ctx)

	active := tracking.ActiveRunFromContext(ctx)
	if active != nil && p.Config.Exclusive {
		log.V(1).Info("skipping run started by the caller", "run", active.ID())
		return train(ctx)
	}
	var created *tracking.ActiveRun
	if active == nil {
		var err error
		ctx, created, err = tracking.StartRun(ctx, p.Client, tracking.StartRunOptions{
			Tags: map[string]string{tracking.TagAutologging: name},
		})
		if err != nil {
			return err
		}
		active = created
	}

	call := &Call{
		RunID:  active.ID(),
		Client: p.Client,
		Queue:  tracking.NewQueueingClient(p.Client),
		Config: p.Config,
		Log:    log,
		Args:   args,
	}
	p.Integration.PreTraining(ctx, call)
	pending := call.Queue.Flush(ctx, false)

	if err := train(ctx); err != nil {
		if ferr := pending.Await(); ferr != nil {
			logging.Warn(log, "failed to log params", "error", ferr.Error())
		}
		if created != nil {
			if eerr := created.End(ctx, tracking.RunStatusFailed); eerr != nil {
				log.Error(eerr, "end run", "run", created.ID())
			}
		}
		return err
	}

	result := p.Integration.PostTraining(ctx, call)
	p.record(ctx, call, result)
	if err := call.Queue.Flush(ctx, true).Await(); err != nil {
		logging.Warn(log, "failed to log training results", "error", err.Error())
	}
	if err := pending.Await(); err != nil {
		logging.Warn(log, "failed to log params", "error", err.Error())
	}
	if created != nil {
		return created.End(ctx, tracking.RunStatusFinished)
	}
	return nil
}

// record queues the metrics of result and uploads its artifacts, warning about every failure.
// An artifact that fails to encode is reported like a failed metric and the others are still uploaded.
func (p *Patch) record(ctx context.Context, call *Call, result Result) {
	log := p.logger(ctx)
	if result.Failures == nil {
		result.Failures = map[string]error{}
	}
	written, tmp := 0, ""
	if len(result.Artifacts) > 0 {
		var err error
		if tmp, err = os.MkdirTemp("", "modelkit-autolog-"); err != nil {
			logging.Warn(log, "failed to autolog artifacts", "error", err.Error())
		} else {
			defer os.RemoveAll(tmp)
			e := &estimator.Evaluation{Artifacts: result.Artifacts, Failures: result.Failures}
			written = e.WriteArtifacts(tmp)
		}
	}
	failed := maps.Keys(result.Failures)
	slices.Sort(failed)
	for _, name := range failed {
		logging.Warn(log, fmt.Sprintf("failed to autolog %s", name), "error", result.Failures[name].Error())
	}
	if len(result.Metrics) > 0 {
		call.Queue.LogMetrics(tracking.RunID(call.RunID), result.Metrics, 0)
	}
	if written == 0 {
		return
	}
	if err := call.Client.LogArtifacts(ctx, call.RunID, tmp, ""); err != nil {
		logging.Warn(log, "failed to autolog artifacts", "error", err.Error())
	}
}
