package estimator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/tracking"
)

// Evaluation holds metrics and json artifacts computed for an estimator. A computation that
// fails is recorded in Failures under the metric or artifact name and skipped.
type Evaluation struct {
	Metrics   map[string]float64
	Artifacts map[string]any
	Failures  map[string]error
}

func newEvaluation() *Evaluation {
	return &Evaluation{Metrics: map[string]float64{}, Artifacts: map[string]any{}, Failures: map[string]error{}}
}

func (e *Evaluation) metric(name string, compute func() (float64, error)) {
	v, err := compute()
	if err != nil {
		e.Failures[name] = err
		return
	}
	e.Metrics[name] = v
}

func (e *Evaluation) artifact(name string, compute func() (any, error)) {
	v, err := compute()
	if err != nil {
		e.Failures[name] = err
		return
	}
	e.Artifacts[name] = v
}

type ConfusionMatrix struct {
	Labels []float64   `json:"labels"`
	Matrix [][]float64 `json:"matrix"`
}

type Curve struct {
	X          []float64 `json:"x"`
	Y          []float64 `json:"y"`
	Thresholds []float64 `json:"thresholds"`
	XLabel     string    `json:"x_label"`
	YLabel     string    `json:"y_label"`
}

// Evaluate computes the metrics and artifacts of est on X and y, names prefixed with prefix.
// Classifiers get precision, recall, f1, accuracy and, with probabilities, log loss and roc auc.
// Regressors get mse, rmse, mae and r2. Both get the estimator's own score.
func Evaluate(est estimators.Estimator, X [][]float64, y []float64, sampleWeight []float64, prefix string) *Evaluation {
	e := newEvaluation()
	predictor, ok := est.(estimators.Predictor)
	if !ok || !estimators.CanPredict(est) || y == nil {
		return e
	}
	pred, err := predictor.Predict(X)
	if err != nil {
		e.Failures[prefix+"predict"] = err
		return e
	}

	switch {
	case estimators.IsClassifier(est):
		e.metric(prefix+"precision_score", func() (float64, error) {
			p, _, _, err := estimators.PrecisionRecallF1(y, pred, sampleWeight)
			return p, err
		})
		e.metric(prefix+"recall_score", func() (float64, error) {
			_, r, _, err := estimators.PrecisionRecallF1(y, pred, sampleWeight)
			return r, err
		})
		e.metric(prefix+"f1_score", func() (float64, error) {
			_, _, f, err := estimators.PrecisionRecallF1(y, pred, sampleWeight)
			return f, err
		})
		e.metric(prefix+"accuracy_score", func() (float64, error) {
			return estimators.AccuracyScore(y, pred, sampleWeight)
		})
		classifyArtifacts(e, est, X, y, pred, sampleWeight, prefix)
	case estimators.IsRegressor(est):
		e.metric(prefix+"mse", func() (float64, error) { return estimators.MeanSquaredError(y, pred, sampleWeight) })
		e.metric(prefix+"rmse", func() (float64, error) { return estimators.RootMeanSquaredError(y, pred, sampleWeight) })
		e.metric(prefix+"mae", func() (float64, error) { return estimators.MeanAbsoluteError(y, pred, sampleWeight) })
		e.metric(prefix+"r2_score", func() (float64, error) { return estimators.R2Score(y, pred, sampleWeight) })
	}
	if scorer, ok := est.(estimators.Scorer); ok {
		e.metric(prefix+"score", func() (float64, error) { return scorer.Score(X, y, sampleWeight) })
	}
	return e
}

func classifyArtifacts(e *Evaluation, est estimators.Estimator, X [][]float64, y, pred, sampleWeight []float64, prefix string) {
	classifier, _ := est.(estimators.Classifier)
	var classes []float64
	if classifier != nil {
		classes = classifier.Classes()
	}
	e.artifact(prefix+"confusion_matrix", func() (any, error) {
		matrix, err := estimators.ConfusionMatrix(y, pred, classes, sampleWeight)
		return ConfusionMatrix{Labels: classes, Matrix: matrix}, err
	})

	proba, ok := est.(estimators.ProbabilisticClassifier)
	if !ok || !estimators.CanPredictProba(est) {
		return
	}
	probabilities, err := proba.PredictProba(X)
	if err != nil {
		e.Failures[prefix+"predict_proba"] = err
		return
	}
	e.metric(prefix+"log_loss", func() (float64, error) {
		return estimators.LogLoss(y, probabilities, classes, sampleWeight)
	})
	e.metric(prefix+"roc_auc_score", func() (float64, error) {
		return estimators.RocAucScore(y, probabilities, classes, sampleWeight)
	})
	if len(classes) != 2 {
		return
	}
	positive := make([]float64, len(probabilities))
	for i, p := range probabilities {
		positive[i] = p[1]
	}
	e.artifact(prefix+"roc_curve", func() (any, error) {
		fpr, tpr, thresholds, err := estimators.RocCurve(y, positive, classes[1], sampleWeight)
		return Curve{X: fpr, Y: tpr, Thresholds: thresholds, XLabel: "False Positive Rate", YLabel: "True Positive Rate"}, err
	})
	e.artifact(prefix+"precision_recall_curve", func() (any, error) {
		precision, recall, thresholds, err := estimators.PrecisionRecallCurve(y, positive, classes[1], sampleWeight)
		return Curve{X: recall, Y: precision, Thresholds: thresholds, XLabel: "Recall", YLabel: "Precision"}, err
	})
}

// WriteArtifacts writes every artifact as <name>.json into dir and returns how many were written.
// An artifact that cannot be encoded or written moves from Artifacts to Failures.
func (e *Evaluation) WriteArtifacts(dir string) int {
	if e.Failures == nil {
		e.Failures = map[string]error{}
	}
	names := maps.Keys(e.Artifacts)
	slices.Sort(names)
	written := 0
	for _, name := range names {
		if err := writeJSON(filepath.Join(dir, name+".json"), e.Artifacts[name]); err != nil {
			delete(e.Artifacts, name)
			e.Failures[name] = err
			continue
		}
		written++
	}
	return written
}

func writeJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, content, 0o644)
}

// EvalAndLogMetrics evaluates est and logs the metrics and artifacts to the active run of ctx.
// Without an active run a new run is started and ended once everything is logged.
func EvalAndLogMetrics(ctx context.Context, client *tracking.Client, est estimators.Estimator, X [][]float64, y []float64, prefix string, sampleWeight []float64) (metrics map[string]float64, err error) {
	if prefix == "" {
		return nil, apierrors.NewInvalidParameterError("Must specify a non-empty prefix")
	}
	if !estimators.CanPredict(est) {
		return nil, apierrors.NewInvalidParameterError("Model does not support predictions. Please pass a model defining a Predict method")
	}
	run := tracking.ActiveRunFromContext(ctx)
	if run == nil {
		if ctx, run, err = tracking.StartRun(ctx, client, tracking.StartRunOptions{}); err != nil {
			return nil, err
		}
		defer func() {
			status := tracking.RunStatusFinished
			if err != nil {
				status = tracking.RunStatusFailed
			}
			if endErr := run.End(ctx, status); endErr != nil && err == nil {
				metrics, err = nil, endErr
			}
		}()
	}

	e := Evaluate(est, X, y, sampleWeight, prefix)
	tmp, err := os.MkdirTemp("", "modelkit-eval-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	written := e.WriteArtifacts(tmp)

	log := logr.FromContextOrDiscard(ctx)
	failed := maps.Keys(e.Failures)
	slices.Sort(failed)
	for _, name := range failed {
		logging.Warn(log, "failed to compute "+name, "error", e.Failures[name].Error())
	}
	if err := client.LogMetrics(ctx, run.ID(), e.Metrics, 0); err != nil {
		return nil, err
	}
	if written > 0 {
		if err := client.LogArtifacts(ctx, run.ID(), tmp, ""); err != nil {
			return nil, err
		}
	}
	return e.Metrics, nil
}
