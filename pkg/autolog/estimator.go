package autolog

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/flavors/estimator"
	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/tracking"
)

const (
	EstimatorsIntegration = "estimators"

	trainingPrefix   = "training_"
	modelArtifact    = "model"
	bestEstimatorDir = "best_estimator"
	exampleRows      = 5
)

// excludedEstimators only transform their input and are not worth a run of their own.
var excludedEstimators = sets.NewString("StandardScaler")

func init() {
	Register(&estimatorIntegration{})
}

type fitArgs struct {
	est estimators.Estimator
	X   [][]float64
	y   []float64
}

type estimatorIntegration struct{}

func (i *estimatorIntegration) Name() string { return EstimatorsIntegration }

func (i *estimatorIntegration) Install(ctx context.Context, patch *Patch) context.Context {
	return estimators.WithFitHook(ctx, func(ctx context.Context, est estimators.Estimator, X [][]float64, y []float64, next estimators.FitFunc) error {
		if excludedEstimators.Has(est.Name()) {
			return next(ctx, est, X, y)
		}
		return patch.Run(ctx, &fitArgs{est: est, X: X, y: y}, func(ctx context.Context) error {
			return next(ctx, est, X, y)
		})
	})
}

func (i *estimatorIntegration) PreTraining(ctx context.Context, call *Call) {
	args := call.Args.(*fitArgs)
	// the candidates of a search are logged as child runs instead
	deep := !estimators.IsParameterSearch(args.est)
	call.LogParams(stringifyParams(call.Log, args.est.GetParams(deep)))
	call.SetTags(estimatorTags(args.est))
}

func (i *estimatorIntegration) PostTraining(ctx context.Context, call *Call) Result {
	args := call.Args.(*fitArgs)
	eval := estimator.Evaluate(args.est, args.X, args.y, nil, trainingPrefix)
	result := Result{Metrics: eval.Metrics, Artifacts: eval.Artifacts, Failures: eval.Failures}

	if call.Config.LogModels {
		if err := logEstimatorModel(ctx, call, args.est, modelArtifact, args.X); err != nil {
			result.Failures[modelArtifact] = err
		}
	}
	if search, ok := args.est.(estimators.ParameterSearch); ok {
		logParameterSearch(ctx, call, search, args.X, result)
	}
	return result
}

func estimatorTags(est estimators.Estimator) map[string]string {
	return map[string]string{
		tracking.TagEstimatorName:  est.Name(),
		tracking.TagEstimatorClass: estimatorClass(est),
	}
}

// estimatorClass is the package qualified type name, "kubegems.io/modelkit/pkg/estimators.Pipeline".
func estimatorClass(est estimators.Estimator) string {
	t := reflect.TypeOf(est)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// stringifyParams renders params for logging, truncating values over the param length limit.
func stringifyParams(log logr.Logger, params estimators.Params) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		s := tracking.StringifyParam(v)
		if len(s) > tracking.MaxParamValueLength {
			logging.Warn(log, "truncated param value", "param", k, "length", len(s), "limit", tracking.MaxParamValueLength)
			s = s[:tracking.MaxParamValueLength]
		}
		out[k] = s
	}
	return out
}

// logEstimatorModel logs est with an example and a signature inferred from the first rows of X.
func logEstimatorModel(ctx context.Context, call *Call, est estimators.Estimator, artifactPath string, X [][]float64) error {
	head := X
	if len(head) > exampleRows {
		head = head[:exampleRows]
	}
	opts := []estimator.Option{}
	if call.Config.LogInputExamples {
		opts = append(opts, estimator.WithInputExample(head))
	}
	if call.Config.LogModelSignatures && estimators.CanPredict(est) {
		if sig, err := inferSignature(est.(estimators.Predictor), head); err != nil {
			logging.Warn(call.Log, "failed to infer model signature", "model", artifactPath, "error", err.Error())
		} else {
			opts = append(opts, estimator.WithSignature(sig))
		}
	}
	_, err := estimator.LogModel(ctx, call.Client, call.RunID, est, artifactPath, opts...)
	return err
}

func inferSignature(p estimators.Predictor, head [][]float64) (*models.ModelSignature, error) {
	pred, err := p.Predict(head)
	if err != nil {
		return nil, fmt.Errorf("predict example: %w", err)
	}
	return models.InferSignature(head, pred)
}

func logParameterSearch(ctx context.Context, call *Call, search estimators.ParameterSearch, X [][]float64, result Result) {
	best, bestParams, bestScore := search.Best()
	if bestParams == nil {
		return
	}
	result.Metrics["best_cv_score"] = bestScore
	params := estimators.Params{}
	for k, v := range bestParams {
		params["best_"+k] = v
	}
	call.LogParams(stringifyParams(call.Log, params))

	if best != nil && call.Config.LogModels {
		if err := logEstimatorModel(ctx, call, best, bestEstimatorDir, X); err != nil {
			result.Failures[bestEstimatorDir] = err
		}
	}
	results := search.Results()
	if results == nil {
		return
	}
	if err := logChildRuns(ctx, call, search.SeedEstimator(), results); err != nil {
		result.Failures["child runs"] = err
	}
	if err := logCVResults(ctx, call, results); err != nil {
		result.Failures[cvResultsFile] = err
	}
}
