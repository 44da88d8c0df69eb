package estimator

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/inference"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/trackingtest"
)

func trainingData() ([][]float64, []float64) {
	X := [][]float64{{-2, 1}, {-1.5, 0}, {-1, 1}, {-0.5, 0}, {0.5, 1}, {1, 0}, {1.5, 1}, {2, 0}}
	y := []float64{0, 0, 0, 0, 1, 1, 1, 1}
	return X, y
}

func fittedPipeline(t *testing.T) *estimators.Pipeline {
	t.Helper()
	X, y := trainingData()
	p := estimators.NewPipeline(
		estimators.Step{Name: "scaler", Estimator: estimators.NewStandardScaler()},
		estimators.Step{Name: "clf", Estimator: estimators.NewLogisticRegression()},
	)
	if err := estimators.Fit(context.Background(), p, X, y); err != nil {
		t.Fatal(err)
	}
	return p
}

func assertSamePredictions(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d predictions, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("prediction %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSaveLoadModel(t *testing.T) {
	ctx := context.Background()
	X, _ := trainingData()
	p := fittedPipeline(t)
	want, _ := p.Predict(X)

	for _, format := range SupportedSerializationFormats {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model")
			if err := SaveModel(ctx, p, path, WithSerializationFormat(format)); err != nil {
				t.Fatal(err)
			}
			loaded, err := LoadModel(ctx, path, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := loaded.(estimators.Predictor).Predict(X)
			if err != nil {
				t.Fatal(err)
			}
			assertSamePredictions(t, got, want)

			m, err := models.Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if names := m.FlavorNames(); !reflect.DeepEqual(names, []string{FlavorName, inference.FlavorName}) {
				t.Errorf("flavors = %v", names)
			}
			conf := Config{}
			if err := m.Flavors[FlavorName].Decode(&conf); err != nil || conf.SerializationFormat != format || conf.ModelData != "model."+format {
				t.Errorf("flavor config = %+v, %v", conf, err)
			}
			for _, name := range []string{models.EnvironmentFileName, models.RequirementsFileName, conf.ModelData} {
				if _, err := os.Stat(filepath.Join(path, name)); err != nil {
					t.Errorf("missing %s: %v", name, err)
				}
			}

			if err := SaveModel(ctx, p, path); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceAlreadyExists) {
				t.Errorf("second SaveModel() error = %v", err)
			}
		})
	}
}

func TestSaveModel_Options(t *testing.T) {
	ctx := context.Background()
	p := fittedPipeline(t)

	err := SaveModel(ctx, p, filepath.Join(t.TempDir(), "model"), WithSerializationFormat("pickle"))
	if !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("SaveModel() with unknown format error = %v", err)
	}

	// transformers cannot predict and get no inference flavor
	X, _ := trainingData()
	scaler := estimators.NewStandardScaler()
	if err := estimators.Fit(ctx, scaler, X, nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "scaler")
	if err := SaveModel(ctx, scaler, path); err != nil {
		t.Fatal(err)
	}
	m, _ := models.Load(path)
	if _, ok := m.Flavors[inference.FlavorName]; ok {
		t.Error("scaler has the inference flavor")
	}

	example := data.FrameFromMatrix([]string{"x0", "x1"}, X[:2])
	sig, err := models.InferSignature(example, nil)
	if err != nil {
		t.Fatal(err)
	}
	path = filepath.Join(t.TempDir(), "model")
	if err := SaveModel(ctx, p, path, WithInputExample(example), WithSignature(sig)); err != nil {
		t.Fatal(err)
	}
	m, _ = models.Load(path)
	if !m.Signature.Equal(sig) {
		t.Errorf("signature = %+v, want %+v", m.Signature, sig)
	}
	stored, err := models.ReadInputExample(path, m, m.GetInputSchema())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored, example) {
		t.Errorf("input example = %v, want %v", stored, example)
	}
}

func TestInferenceLoader(t *testing.T) {
	ctx := context.Background()
	X, _ := trainingData()
	p := fittedPipeline(t)
	want, _ := p.Predict(X)
	path := filepath.Join(t.TempDir(), "model")
	if err := SaveModel(ctx, p, path); err != nil {
		t.Fatal(err)
	}

	// an unknown format in a stored config is read as gob by the inference loader only
	m, _ := models.Load(path)
	m.Flavors[FlavorName]["serialization_format"] = "pickle"
	content, _ := yaml.Marshal(m)
	if err := os.WriteFile(filepath.Join(path, models.MLmodelFileName), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(ctx, path, nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("LoadModel() with unknown format error = %v", err)
	}

	loaded, err := inference.Load(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := loaded.Predict(ctx, data.FrameFromMatrix(nil, X))
	if err != nil {
		t.Fatal(err)
	}
	got, err := out.Float64Column("prediction")
	if err != nil {
		t.Fatal(err)
	}
	assertSamePredictions(t, got, want)
	if _, err := loaded.Predict(ctx, []any{1.0, 2.0}); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("Predict() on a list error = %v", err)
	}
}

func TestLogModel(t *testing.T) {
	ctx := context.Background()
	client := trackingtest.NewClient(t)
	run, err := client.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	runID := run.Info.RunID
	p := fittedPipeline(t)
	m, err := LogModel(ctx, client, runID, p, "model")
	if err != nil {
		t.Fatal(err)
	}
	if m.RunID != runID || m.ArtifactPath != "model" {
		t.Errorf("descriptor run = %s, artifact path = %s", m.RunID, m.ArtifactPath)
	}
	loaded, err := LoadModel(ctx, "runs:/"+runID+"/model", client)
	if err != nil {
		t.Fatal(err)
	}
	X, _ := trainingData()
	want, _ := p.Predict(X)
	got, _ := loaded.(estimators.Predictor).Predict(X)
	assertSamePredictions(t, got, want)

	history, err := client.LoggedModels(ctx, runID)
	if err != nil || len(history) != 1 || history[0].ArtifactPath != "model" {
		t.Errorf("LoggedModels() = %v, %v", history, err)
	}
}

func TestEvalAndLogMetrics(t *testing.T) {
	client := trackingtest.NewClient(t)
	X, y := trainingData()
	p := fittedPipeline(t)

	if _, err := EvalAndLogMetrics(context.Background(), client, p, X, y, "", nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("empty prefix error = %v", err)
	}
	if _, err := EvalAndLogMetrics(context.Background(), client, estimators.NewStandardScaler(), X, y, "val_", nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("transformer error = %v", err)
	}

	ctx, run, err := tracking.StartRun(context.Background(), client, tracking.StartRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := EvalAndLogMetrics(ctx, client, p, X, y, "val_", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"val_precision_score", "val_recall_score", "val_f1_score", "val_accuracy_score",
		"val_log_loss", "val_roc_auc_score", "val_score",
	} {
		if _, ok := metrics[name]; !ok {
			t.Errorf("metric %s missing from %v", name, metrics)
		}
	}
	if metrics["val_accuracy_score"] < 0.75 {
		t.Errorf("val_accuracy_score = %v", metrics["val_accuracy_score"])
	}
	if logged := trackingtest.Metrics(t, client, run.ID()); !reflect.DeepEqual(logged, metrics) {
		t.Errorf("logged metrics = %v, want %v", logged, metrics)
	}
	files, err := client.ListArtifacts(ctx, run.ID(), "")
	if err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, f := range files {
		names = append(names, f.Path)
	}
	want := []string{"val_confusion_matrix.json", "val_precision_recall_curve.json", "val_roc_curve.json"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("artifacts = %v, want %v", names, want)
	}
}

func TestEvalAndLogMetrics_WithoutActiveRun(t *testing.T) {
	ctx := context.Background()
	client := trackingtest.NewClient(t)
	X, y := trainingData()
	metrics, err := EvalAndLogMetrics(ctx, client, fittedPipeline(t), X, y, "val_", nil)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := client.SearchRuns(ctx, tracking.SearchRunsOptions{})
	if err != nil || len(runs) != 1 {
		t.Fatalf("SearchRuns() = %v, %v", runs, err)
	}
	if runs[0].Info.Status != tracking.RunStatusFinished || runs[0].Info.EndTime == 0 {
		t.Errorf("run info = %+v, want an ended FINISHED run", runs[0].Info)
	}
	if logged := trackingtest.Metrics(t, client, runs[0].Info.RunID); !reflect.DeepEqual(logged, metrics) {
		t.Errorf("logged metrics = %v, want %v", logged, metrics)
	}
}

func TestEvaluation_WriteArtifacts(t *testing.T) {
	dir := t.TempDir()
	e := &Evaluation{Artifacts: map[string]any{
		"val_confusion_matrix": ConfusionMatrix{Labels: []float64{0, 1}, Matrix: [][]float64{{2, 0}, {1, 1}}},
		"val_roc_curve":        Curve{X: []float64{0, 1}, Y: []float64{math.Inf(1), 1}},
	}}
	if written := e.WriteArtifacts(dir); written != 1 {
		t.Errorf("WriteArtifacts() = %d, want 1", written)
	}
	if _, err := os.Stat(filepath.Join(dir, "val_confusion_matrix.json")); err != nil {
		t.Errorf("confusion matrix not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "val_roc_curve.json")); !os.IsNotExist(err) {
		t.Errorf("unencodable artifact written: %v", err)
	}
	if _, ok := e.Failures["val_roc_curve"]; !ok {
		t.Errorf("failures = %v", e.Failures)
	}
	if _, ok := e.Artifacts["val_roc_curve"]; ok || len(e.Artifacts) != 1 {
		t.Errorf("artifacts = %v", e.Artifacts)
	}
}

func TestEvaluate_Regressor(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}}
	y := []float64{1, 3, 5, 7}
	lr := estimators.NewLinearRegression()
	if err := estimators.Fit(context.Background(), lr, X, y); err != nil {
		t.Fatal(err)
	}
	e := Evaluate(lr, X, y, nil, "training_")
	if len(e.Failures) != 0 || len(e.Artifacts) != 0 {
		t.Errorf("failures = %v, artifacts = %v", e.Failures, e.Artifacts)
	}
	keys := []string{}
	for k := range e.Metrics {
		keys = append(keys, k)
	}
	if got := strings.Join(sorted(keys), ","); got != "training_mae,training_mse,training_r2_score,training_rmse,training_score" {
		t.Errorf("metrics = %s", got)
	}
}

func sorted(s []string) []string {
	slices.Sort(s)
	return s
}
