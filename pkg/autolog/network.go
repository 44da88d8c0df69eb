package autolog

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/flavors/network"
	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/nn"
	"kubegems.io/modelkit/pkg/tracking"
)

const NetworkIntegration = "nn"

func init() {
	Register(&networkIntegration{})
}

type trainArgs struct {
	net  *nn.Network
	X, y [][]float64
	opts nn.TrainOptions
}

type networkIntegration struct{}

func (i *networkIntegration) Name() string { return NetworkIntegration }

func (i *networkIntegration) Install(ctx context.Context, patch *Patch) context.Context {
	return nn.WithTrainHook(ctx, func(ctx context.Context, net *nn.Network, X, y [][]float64, opts nn.TrainOptions, next nn.TrainFunc) (*nn.History, error) {
		args := &trainArgs{net: net, X: X, y: y, opts: opts}
		var history *nn.History
		err := patch.Run(ctx, args, func(ctx context.Context) error {
			h, err := next(ctx, net, X, y, args.opts)
			history = h
			return err
		})
		return history, err
	})
}

func (i *networkIntegration) PreTraining(ctx context.Context, call *Call) {
	args := call.Args.(*trainArgs)
	params := map[string]string{
		"layer_sizes":   fmt.Sprint(args.net.Sizes()),
		"learning_rate": tracking.StringifyParam(args.opts.LearningRate),
		"epochs":        tracking.StringifyParam(args.opts.Epochs),
		"batch_size":    tracking.StringifyParam(args.opts.BatchSize),
	}
	if n := len(args.net.Layers); n > 0 {
		params["hidden_activation"] = string(args.net.Layers[0].Activation)
		params["output_activation"] = string(args.net.Layers[n-1].Activation)
	}
	call.LogParams(params)

	args.opts.Callbacks = append(slices.Clone(args.opts.Callbacks), func(ctx context.Context, epoch int, loss float64) error {
		call.LogMetric("loss", loss, int64(epoch))
		return nil
	})
}

func (i *networkIntegration) PostTraining(ctx context.Context, call *Call) Result {
	args := call.Args.(*trainArgs)
	result := NewResult()
	if !call.Config.LogModels {
		return result
	}
	head := args.X
	if len(head) > exampleRows {
		head = head[:exampleRows]
	}
	opts := []network.Option{}
	if call.Config.LogInputExamples {
		opts = append(opts, network.WithInputExample(head))
	}
	if call.Config.LogModelSignatures {
		out, err := args.net.Predict(head)
		if err == nil {
			var sig *models.ModelSignature
			if sig, err = models.InferSignature(head, out); err == nil {
				opts = append(opts, network.WithSignature(sig))
			}
		}
		if err != nil {
			logging.Warn(call.Log, "failed to infer model signature", "model", modelArtifact, "error", err.Error())
		}
	}
	if _, err := network.LogModel(ctx, call.Client, call.RunID, args.net, modelArtifact, opts...); err != nil {
		result.Failures[modelArtifact] = err
	}
	return result
}
